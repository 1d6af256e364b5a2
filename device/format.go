package device

// Format values match the corresponding Vulkan values
type Format int32

const (
	FormatUndefined          Format = 0
	FormatR8Unorm            Format = 9
	FormatR8G8Unorm          Format = 16
	FormatR8G8B8A8Unorm      Format = 37
	FormatR8G8B8A8Srgb       Format = 43
	FormatB8G8R8A8Unorm      Format = 44
	FormatB8G8R8A8Srgb       Format = 50
	FormatR16G16B16A16Sfloat Format = 97
	FormatR32Sfloat          Format = 100
	FormatR32G32B32A32Sfloat Format = 109
	FormatD32Sfloat          Format = 126
	FormatD24UnormS8Uint     Format = 129
	FormatBC1RGBAUnormBlock  Format = 133
	FormatBC3UnormBlock      Format = 137
)

// FormatDesc describes the memory layout of a format's texel blocks
type FormatDesc struct {
	Name string
	// Bits is the size of one texel block, in bits
	Bits        int
	BlockWidth  int
	BlockHeight int
	Aspects     ImageAspectFlags
}

// BlockSize returns the size of one texel block in bytes
func (d FormatDesc) BlockSize() int {
	return d.Bits / 8
}

// BlockCount returns the number of texel blocks required to cover the provided extent
func (d FormatDesc) BlockCount(extent Extent3D) int {
	blocksWide := (extent.Width + d.BlockWidth - 1) / d.BlockWidth
	blocksHigh := (extent.Height + d.BlockHeight - 1) / d.BlockHeight
	return blocksWide * blocksHigh * extent.Depth
}

var formatTable = map[Format]FormatDesc{
	FormatR8Unorm:            {"R8Unorm", 8, 1, 1, ImageAspectColor},
	FormatR8G8Unorm:          {"R8G8Unorm", 16, 1, 1, ImageAspectColor},
	FormatR8G8B8A8Unorm:      {"R8G8B8A8Unorm", 32, 1, 1, ImageAspectColor},
	FormatR8G8B8A8Srgb:       {"R8G8B8A8Srgb", 32, 1, 1, ImageAspectColor},
	FormatB8G8R8A8Unorm:      {"B8G8R8A8Unorm", 32, 1, 1, ImageAspectColor},
	FormatB8G8R8A8Srgb:       {"B8G8R8A8Srgb", 32, 1, 1, ImageAspectColor},
	FormatR16G16B16A16Sfloat: {"R16G16B16A16Sfloat", 64, 1, 1, ImageAspectColor},
	FormatR32Sfloat:          {"R32Sfloat", 32, 1, 1, ImageAspectColor},
	FormatR32G32B32A32Sfloat: {"R32G32B32A32Sfloat", 128, 1, 1, ImageAspectColor},
	FormatD32Sfloat:          {"D32Sfloat", 32, 1, 1, ImageAspectDepth},
	FormatD24UnormS8Uint:     {"D24UnormS8Uint", 32, 1, 1, ImageAspectDepth | ImageAspectStencil},
	FormatBC1RGBAUnormBlock:  {"BC1RGBAUnormBlock", 64, 4, 4, ImageAspectColor},
	FormatBC3UnormBlock:      {"BC3UnormBlock", 128, 4, 4, ImageAspectColor},
}

// Desc returns the description of the format, or false if the format is not known
func (f Format) Desc() (FormatDesc, bool) {
	desc, ok := formatTable[f]
	return desc, ok
}

func (f Format) String() string {
	desc, ok := formatTable[f]
	if !ok {
		return "unknown"
	}
	return desc.Name
}
