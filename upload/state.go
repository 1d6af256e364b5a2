package upload

import (
	"github.com/vkngwrapper/arsenal/factory/device"
	"github.com/vkngwrapper/arsenal/factory/epoch"
)

// BufferState is how a buffer is used around an upload: the queue that uses it and the pipeline
// stages and accesses that touch it
type BufferState struct {
	Queue  epoch.QueueID
	Stage  device.PipelineStageFlags
	Access device.AccessFlags
}

// ImageState is how an image is used around an upload, including the layout it is used in
type ImageState struct {
	Queue  epoch.QueueID
	Stage  device.PipelineStageFlags
	Access device.AccessFlags
	Layout device.ImageLayout
}

// ImageStateOrLayout is the state an image was last used in. When the image has only ever been in
// a layout and never accessed, a layout alone is enough.
type ImageStateOrLayout struct {
	state    ImageState
	hasState bool
}

// FromState describes an image that was last accessed in state
func FromState(state ImageState) ImageStateOrLayout {
	return ImageStateOrLayout{state: state, hasState: true}
}

// FromLayout describes an image that is in layout but has not been accessed, such as a newly
// created image in device.ImageLayoutUndefined
func FromLayout(layout device.ImageLayout) ImageStateOrLayout {
	return ImageStateOrLayout{state: ImageState{Layout: layout}}
}

func (s ImageStateOrLayout) Layout() device.ImageLayout {
	return s.state.Layout
}

// State returns the full state, if one was provided
func (s ImageStateOrLayout) State() (ImageState, bool) {
	return s.state, s.hasState
}

func (s ImageStateOrLayout) stageAndAccess() (device.PipelineStageFlags, device.AccessFlags) {
	if !s.hasState {
		return device.PipelineStageTopOfPipe, 0
	}
	return s.state.Stage, s.state.Access
}

// ImageRegion is the part of an image an upload writes
type ImageRegion struct {
	Layers device.ImageSubresourceLayers
	Offset device.Offset3D
	Extent device.Extent3D
	// DataWidth and DataHeight are the dimensions, in texels, of the rows and slices of the
	// uploaded content. Zero means the content is tightly packed to Extent.
	DataWidth  int
	DataHeight int
}
