package device

const (
	// QueueFamilyIgnored marks a barrier that does not transfer queue family ownership
	QueueFamilyIgnored = -1
	// WholeSize covers a range from its offset to the end of the resource
	WholeSize = -1
)

type Extent3D struct {
	Width  int
	Height int
	Depth  int
}

type Offset3D struct {
	X int
	Y int
	Z int
}

type BufferInfo struct {
	Size  int
	Usage BufferUsageFlags
}

type ImageInfo struct {
	Type        ImageType
	Format      Format
	Extent      Extent3D
	MipLevels   int
	ArrayLayers int
	Tiling      ImageTiling
	Usage       ImageUsageFlags
}

type ImageSubresourceRange struct {
	AspectMask     ImageAspectFlags
	BaseMipLevel   int
	LevelCount     int
	BaseArrayLayer int
	LayerCount     int
}

type ImageSubresourceLayers struct {
	AspectMask     ImageAspectFlags
	MipLevel       int
	BaseArrayLayer int
	LayerCount     int
}

type ComponentMapping struct {
	R ComponentSwizzle
	G ComponentSwizzle
	B ComponentSwizzle
	A ComponentSwizzle
}

type ImageViewInfo struct {
	ViewType         ImageViewType
	Format           Format
	Components       ComponentMapping
	SubresourceRange ImageSubresourceRange
}

type SamplerInfo struct {
	MagFilter   Filter
	MinFilter   Filter
	AddressMode SamplerAddressMode
	// MaxAnisotropy enables anisotropic filtering when greater than 1
	MaxAnisotropy float32
}

type BufferCopy struct {
	SrcOffset int
	DstOffset int
	Size      int
}

type BufferImageCopy struct {
	BufferOffset int
	// BufferRowLength and BufferImageHeight are in texels. Zero means tightly packed.
	BufferRowLength   int
	BufferImageHeight int
	ImageSubresource  ImageSubresourceLayers
	ImageOffset       Offset3D
	ImageExtent       Extent3D
}

type BufferBarrier struct {
	SrcAccessMask  AccessFlags
	DstAccessMask  AccessFlags
	SrcQueueFamily int
	DstQueueFamily int
	Buffer         Buffer
	Offset         int
	Size           int
}

type ImageBarrier struct {
	SrcAccessMask    AccessFlags
	DstAccessMask    AccessFlags
	OldLayout        ImageLayout
	NewLayout        ImageLayout
	SrcQueueFamily   int
	DstQueueFamily   int
	Image            Image
	SubresourceRange ImageSubresourceRange
}
