package device

import "github.com/vkngwrapper/core/v2/common"

// BufferUsageFlags lists the ways a buffer may be used. Values match the corresponding Vulkan bits.
type BufferUsageFlags int32

var bufferUsageFlagsMapping = common.NewFlagStringMapping[BufferUsageFlags]()

func (f BufferUsageFlags) Register(str string) {
	bufferUsageFlagsMapping.Register(f, str)
}
func (f BufferUsageFlags) String() string {
	return bufferUsageFlagsMapping.FlagsToString(f)
}

const (
	BufferUsageTransferSrc BufferUsageFlags = 1 << iota
	BufferUsageTransferDst
	BufferUsageUniformTexel
	BufferUsageStorageTexel
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageIndex
	BufferUsageVertex
	BufferUsageIndirect
)

// ImageUsageFlags lists the ways an image may be used. Values match the corresponding Vulkan bits.
type ImageUsageFlags int32

var imageUsageFlagsMapping = common.NewFlagStringMapping[ImageUsageFlags]()

func (f ImageUsageFlags) Register(str string) {
	imageUsageFlagsMapping.Register(f, str)
}
func (f ImageUsageFlags) String() string {
	return imageUsageFlagsMapping.FlagsToString(f)
}

const (
	ImageUsageTransferSrc ImageUsageFlags = 1 << iota
	ImageUsageTransferDst
	ImageUsageSampled
	ImageUsageStorage
	ImageUsageColorAttachment
	ImageUsageDepthStencilAttachment
	ImageUsageTransientAttachment
	ImageUsageInputAttachment
)

type AccessFlags int32

var accessFlagsMapping = common.NewFlagStringMapping[AccessFlags]()

func (f AccessFlags) Register(str string) {
	accessFlagsMapping.Register(f, str)
}
func (f AccessFlags) String() string {
	return accessFlagsMapping.FlagsToString(f)
}

const (
	AccessIndirectCommandRead AccessFlags = 1 << iota
	AccessIndexRead
	AccessVertexAttributeRead
	AccessUniformRead
	AccessInputAttachmentRead
	AccessShaderRead
	AccessShaderWrite
	AccessColorAttachmentRead
	AccessColorAttachmentWrite
	AccessDepthStencilAttachmentRead
	AccessDepthStencilAttachmentWrite
	AccessTransferRead
	AccessTransferWrite
	AccessHostRead
	AccessHostWrite
	AccessMemoryRead
	AccessMemoryWrite
)

type PipelineStageFlags int32

var pipelineStageFlagsMapping = common.NewFlagStringMapping[PipelineStageFlags]()

func (f PipelineStageFlags) Register(str string) {
	pipelineStageFlagsMapping.Register(f, str)
}
func (f PipelineStageFlags) String() string {
	return pipelineStageFlagsMapping.FlagsToString(f)
}

const (
	PipelineStageTopOfPipe PipelineStageFlags = 1 << iota
	PipelineStageDrawIndirect
	PipelineStageVertexInput
	PipelineStageVertexShader
	PipelineStageTessellationControlShader
	PipelineStageTessellationEvaluationShader
	PipelineStageGeometryShader
	PipelineStageFragmentShader
	PipelineStageEarlyFragmentTests
	PipelineStageLateFragmentTests
	PipelineStageColorAttachmentOutput
	PipelineStageComputeShader
	PipelineStageTransfer
	PipelineStageBottomOfPipe
	PipelineStageHost
	PipelineStageAllGraphics
	PipelineStageAllCommands
)

type ImageAspectFlags int32

var imageAspectFlagsMapping = common.NewFlagStringMapping[ImageAspectFlags]()

func (f ImageAspectFlags) Register(str string) {
	imageAspectFlagsMapping.Register(f, str)
}
func (f ImageAspectFlags) String() string {
	return imageAspectFlagsMapping.FlagsToString(f)
}

const (
	ImageAspectColor ImageAspectFlags = 1 << iota
	ImageAspectDepth
	ImageAspectStencil
)

func init() {
	BufferUsageTransferSrc.Register("TransferSrc")
	BufferUsageTransferDst.Register("TransferDst")
	BufferUsageUniformTexel.Register("UniformTexel")
	BufferUsageStorageTexel.Register("StorageTexel")
	BufferUsageUniform.Register("Uniform")
	BufferUsageStorage.Register("Storage")
	BufferUsageIndex.Register("Index")
	BufferUsageVertex.Register("Vertex")
	BufferUsageIndirect.Register("Indirect")

	ImageUsageTransferSrc.Register("TransferSrc")
	ImageUsageTransferDst.Register("TransferDst")
	ImageUsageSampled.Register("Sampled")
	ImageUsageStorage.Register("Storage")
	ImageUsageColorAttachment.Register("ColorAttachment")
	ImageUsageDepthStencilAttachment.Register("DepthStencilAttachment")
	ImageUsageTransientAttachment.Register("TransientAttachment")
	ImageUsageInputAttachment.Register("InputAttachment")

	AccessIndirectCommandRead.Register("IndirectCommandRead")
	AccessIndexRead.Register("IndexRead")
	AccessVertexAttributeRead.Register("VertexAttributeRead")
	AccessUniformRead.Register("UniformRead")
	AccessInputAttachmentRead.Register("InputAttachmentRead")
	AccessShaderRead.Register("ShaderRead")
	AccessShaderWrite.Register("ShaderWrite")
	AccessColorAttachmentRead.Register("ColorAttachmentRead")
	AccessColorAttachmentWrite.Register("ColorAttachmentWrite")
	AccessDepthStencilAttachmentRead.Register("DepthStencilAttachmentRead")
	AccessDepthStencilAttachmentWrite.Register("DepthStencilAttachmentWrite")
	AccessTransferRead.Register("TransferRead")
	AccessTransferWrite.Register("TransferWrite")
	AccessHostRead.Register("HostRead")
	AccessHostWrite.Register("HostWrite")
	AccessMemoryRead.Register("MemoryRead")
	AccessMemoryWrite.Register("MemoryWrite")

	PipelineStageTopOfPipe.Register("TopOfPipe")
	PipelineStageDrawIndirect.Register("DrawIndirect")
	PipelineStageVertexInput.Register("VertexInput")
	PipelineStageVertexShader.Register("VertexShader")
	PipelineStageTessellationControlShader.Register("TessellationControlShader")
	PipelineStageTessellationEvaluationShader.Register("TessellationEvaluationShader")
	PipelineStageGeometryShader.Register("GeometryShader")
	PipelineStageFragmentShader.Register("FragmentShader")
	PipelineStageEarlyFragmentTests.Register("EarlyFragmentTests")
	PipelineStageLateFragmentTests.Register("LateFragmentTests")
	PipelineStageColorAttachmentOutput.Register("ColorAttachmentOutput")
	PipelineStageComputeShader.Register("ComputeShader")
	PipelineStageTransfer.Register("Transfer")
	PipelineStageBottomOfPipe.Register("BottomOfPipe")
	PipelineStageHost.Register("Host")
	PipelineStageAllGraphics.Register("AllGraphics")
	PipelineStageAllCommands.Register("AllCommands")

	ImageAspectColor.Register("Color")
	ImageAspectDepth.Register("Depth")
	ImageAspectStencil.Register("Stencil")
}

// ImageLayout values match the corresponding Vulkan values
type ImageLayout int32

const (
	ImageLayoutUndefined ImageLayout = iota
	ImageLayoutGeneral
	ImageLayoutColorAttachmentOptimal
	ImageLayoutDepthStencilAttachmentOptimal
	ImageLayoutDepthStencilReadOnlyOptimal
	ImageLayoutShaderReadOnlyOptimal
	ImageLayoutTransferSrcOptimal
	ImageLayoutTransferDstOptimal
	ImageLayoutPreinitialized
)

var imageLayoutMapping = map[ImageLayout]string{
	ImageLayoutUndefined:                     "Undefined",
	ImageLayoutGeneral:                       "General",
	ImageLayoutColorAttachmentOptimal:        "ColorAttachmentOptimal",
	ImageLayoutDepthStencilAttachmentOptimal: "DepthStencilAttachmentOptimal",
	ImageLayoutDepthStencilReadOnlyOptimal:   "DepthStencilReadOnlyOptimal",
	ImageLayoutShaderReadOnlyOptimal:         "ShaderReadOnlyOptimal",
	ImageLayoutTransferSrcOptimal:            "TransferSrcOptimal",
	ImageLayoutTransferDstOptimal:            "TransferDstOptimal",
	ImageLayoutPreinitialized:                "Preinitialized",
}

func (l ImageLayout) String() string {
	str, ok := imageLayoutMapping[l]
	if !ok {
		return "unknown"
	}
	return str
}

type ImageTiling int32

const (
	ImageTilingOptimal ImageTiling = iota
	ImageTilingLinear
)

var imageTilingMapping = map[ImageTiling]string{
	ImageTilingOptimal: "Optimal",
	ImageTilingLinear:  "Linear",
}

func (t ImageTiling) String() string {
	str, ok := imageTilingMapping[t]
	if !ok {
		return "unknown"
	}
	return str
}

type ImageType int32

const (
	ImageType1D ImageType = iota
	ImageType2D
	ImageType3D
)

var imageTypeMapping = map[ImageType]string{
	ImageType1D: "1D",
	ImageType2D: "2D",
	ImageType3D: "3D",
}

func (t ImageType) String() string {
	str, ok := imageTypeMapping[t]
	if !ok {
		return "unknown"
	}
	return str
}

type ImageViewType int32

const (
	ImageViewType1D ImageViewType = iota
	ImageViewType2D
	ImageViewType3D
	ImageViewTypeCube
	ImageViewType1DArray
	ImageViewType2DArray
	ImageViewTypeCubeArray
)

type Filter int32

const (
	FilterNearest Filter = iota
	FilterLinear
)

type SamplerAddressMode int32

const (
	SamplerAddressModeRepeat SamplerAddressMode = iota
	SamplerAddressModeMirroredRepeat
	SamplerAddressModeClampToEdge
	SamplerAddressModeClampToBorder
)

type ComponentSwizzle int32

const (
	ComponentSwizzleIdentity ComponentSwizzle = iota
	ComponentSwizzleZero
	ComponentSwizzleOne
	ComponentSwizzleR
	ComponentSwizzleG
	ComponentSwizzleB
	ComponentSwizzleA
)
