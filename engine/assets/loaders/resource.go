package loaders

type ResourceType int

const (
	ResourceTypeNone ResourceType = iota
	ResourceTypeImage
	ResourceTypeModel
	ResourceTypeShader
)

func (t ResourceType) String() string {
	switch t {
	case ResourceTypeImage:
		return "image"
	case ResourceTypeModel:
		return "model"
	case ResourceTypeShader:
		return "shader"
	default:
		return "none"
	}
}

// Resource is the result of a load. Data holds the loader specific payload:
// *ImageData, *draw.SimpleMesh or *ShaderData.
type Resource struct {
	Name     string
	FullPath string
	Type     ResourceType
	DataSize uint64
	Data     any
}
