package vulkan

import (
	"fmt"

	"github.com/cockroachdb/errors"
	vk "github.com/goki/vulkan"
)

type resultText struct {
	name, detail string
}

var resultTexts = map[vk.Result]resultText{
	vk.Success:                          {"VK_SUCCESS", "Command successfully completed"},
	vk.NotReady:                         {"VK_NOT_READY", "A fence or query has not yet completed"},
	vk.Timeout:                          {"VK_TIMEOUT", "A wait operation has not completed in the specified time"},
	vk.EventSet:                         {"VK_EVENT_SET", "An event is signaled"},
	vk.EventReset:                       {"VK_EVENT_RESET", "An event is unsignaled"},
	vk.Incomplete:                       {"VK_INCOMPLETE", "A return array was too small for the result"},
	vk.Suboptimal:                       {"VK_SUBOPTIMAL_KHR", "A swapchain no longer matches the surface properties exactly"},
	vk.ErrorOutOfHostMemory:             {"VK_ERROR_OUT_OF_HOST_MEMORY", "A host memory allocation has failed"},
	vk.ErrorOutOfDeviceMemory:           {"VK_ERROR_OUT_OF_DEVICE_MEMORY", "A device memory allocation has failed"},
	vk.ErrorInitializationFailed:        {"VK_ERROR_INITIALIZATION_FAILED", "Initialization of an object could not be completed"},
	vk.ErrorDeviceLost:                  {"VK_ERROR_DEVICE_LOST", "The logical or physical device has been lost"},
	vk.ErrorMemoryMapFailed:             {"VK_ERROR_MEMORY_MAP_FAILED", "Mapping of a memory object has failed"},
	vk.ErrorLayerNotPresent:             {"VK_ERROR_LAYER_NOT_PRESENT", "A requested layer is not present or could not be loaded"},
	vk.ErrorExtensionNotPresent:         {"VK_ERROR_EXTENSION_NOT_PRESENT", "A requested extension is not supported"},
	vk.ErrorFeatureNotPresent:           {"VK_ERROR_FEATURE_NOT_PRESENT", "A requested feature is not supported"},
	vk.ErrorIncompatibleDriver:          {"VK_ERROR_INCOMPATIBLE_DRIVER", "The requested version of Vulkan is not supported by the driver"},
	vk.ErrorTooManyObjects:              {"VK_ERROR_TOO_MANY_OBJECTS", "Too many objects of the type have already been created"},
	vk.ErrorFormatNotSupported:          {"VK_ERROR_FORMAT_NOT_SUPPORTED", "A requested format is not supported on this device"},
	vk.ErrorFragmentedPool:              {"VK_ERROR_FRAGMENTED_POOL", "A pool allocation has failed due to fragmentation"},
	vk.ErrorSurfaceLost:                 {"VK_ERROR_SURFACE_LOST_KHR", "A surface is no longer available"},
	vk.ErrorNativeWindowInUse:           {"VK_ERROR_NATIVE_WINDOW_IN_USE_KHR", "The requested window is already in use"},
	vk.ErrorOutOfDate:                   {"VK_ERROR_OUT_OF_DATE_KHR", "A surface has changed and is no longer compatible with the swapchain"},
	vk.ErrorIncompatibleDisplay:         {"VK_ERROR_INCOMPATIBLE_DISPLAY_KHR", "The display used by a swapchain is incompatible"},
	vk.ErrorOutOfPoolMemory:             {"VK_ERROR_OUT_OF_POOL_MEMORY", "A pool memory allocation has failed"},
	vk.ErrorInvalidExternalHandle:       {"VK_ERROR_INVALID_EXTERNAL_HANDLE", "An external handle is not a valid handle of the specified type"},
	vk.ErrorFragmentation:               {"VK_ERROR_FRAGMENTATION", "A descriptor pool creation has failed due to fragmentation"},
	vk.ErrorFullScreenExclusiveModeLost: {"VK_ERROR_FULL_SCREEN_EXCLUSIVE_MODE_LOST_EXT", "Exclusive full-screen access was lost"},
	vk.ErrorUnknown:                     {"VK_ERROR_UNKNOWN", "An unknown error has occurred"},
}

// VulkanResultString names a result, with a short description when extended
// is set.
func VulkanResultString(result vk.Result, extended bool) string {
	t, ok := resultTexts[result]
	if !ok {
		return fmt.Sprintf("VkResult(%d)", int32(result))
	}
	return ConditionalOperator(!extended, t.name, t.name+" "+t.detail)
}

// resultError wraps a failed call's result.
func resultError(op string, res vk.Result) error {
	return errors.Newf("%s failed with %s", op, VulkanResultString(res, true))
}

func ConditionalOperator(condition bool, res1, res2 string) string {
	if condition {
		return res1
	}
	return res2
}

var end = "\x00"
var endChar byte = '\x00'

func VulkanSafeString(s string) string {
	if len(s) == 0 {
		return end
	}
	if s[len(s)-1] != endChar {
		return s + end
	}
	return s
}

func VulkanSafeStrings(list []string) []string {
	for i := range list {
		list[i] = VulkanSafeString(list[i])
	}
	return list
}
