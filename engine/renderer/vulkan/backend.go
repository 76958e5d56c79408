package vulkan

import (
	"runtime"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/sketchvk/engine/core"
)

// Window is what the backend needs from the windowing system.
type Window interface {
	SurfaceSize() (width, height uint32)
	RequiredInstanceExtensions() []string
	CreateSurface(instance vk.Instance) (vk.Surface, error)
}

type Settings struct {
	AppName    string
	Validation bool
}

// New creates the instance, the window surface and a logical device on the
// first physical device meeting the renderer's requirements.
func New(settings Settings, window Window) (*Device, error) {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		return nil, errors.New("GetInstanceProcAddress is nil")
	}
	vk.SetGetInstanceProcAddr(procAddr)
	if err := vk.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing vulkan")
	}

	d := &Device{
		settings: settings,
		locks:    newLockPool(),
		objects:  newObjects(),
	}
	if err := d.createInstance(window.RequiredInstanceExtensions()); err != nil {
		return nil, err
	}
	surface, err := window.CreateSurface(d.instance)
	if err != nil {
		d.destroyInstance()
		return nil, errors.Wrap(err, "creating window surface")
	}
	d.surface = surface
	core.LogDebug("Vulkan surface created.")

	if err := d.selectPhysicalDevice(); err != nil {
		d.destroyInstance()
		return nil, err
	}
	if err := d.createLogicalDevice(); err != nil {
		d.destroyInstance()
		return nil, err
	}
	core.LogInfo("Vulkan device ready on %s.", d.props.DeviceName)
	return d, nil
}

func (d *Device) createInstance(windowExtensions []string) error {
	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 1, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(d.settings.AppName),
		PEngineName:        VulkanSafeString("sketchvk"),
	}
	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	extensions := append([]string{"VK_KHR_surface"}, windowExtensions...)
	if runtime.GOOS == "darwin" {
		extensions = append(extensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
		// VK_INSTANCE_CREATE_ENUMERATE_PORTABILITY_BIT_KHR
		createInfo.Flags |= 1
	}
	var layers []string
	if d.settings.Validation {
		extensions = append(extensions, vk.ExtDebugReportExtensionName)
		layers = []string{"VK_LAYER_KHRONOS_validation"}
		if err := checkLayers(layers); err != nil {
			return err
		}
	}
	for _, e := range extensions {
		core.LogDebug("Required extension: %s", e)
	}
	createInfo.EnabledExtensionCount = uint32(len(extensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(extensions)
	createInfo.EnabledLayerCount = uint32(len(layers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(layers)

	if res := vk.CreateInstance(&createInfo, nil, &d.instance); res != vk.Success {
		return errors.Newf("creating the Vulkan instance: %s", VulkanResultString(res, true))
	}
	if err := vk.InitInstance(d.instance); err != nil {
		return errors.Wrap(err, "loading instance functions")
	}
	core.LogInfo("Vulkan Instance created.")

	if d.settings.Validation {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(d.instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", err)
		} else {
			d.debug = dbg
		}
	}
	return nil
}

func checkLayers(required []string) error {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return errors.Newf("enumerating instance layers: %s", VulkanResultString(res, false))
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return errors.Newf("enumerating instance layers: %s", VulkanResultString(res, false))
	}
	for _, name := range required {
		found := false
		for i := range available {
			available[i].Deref()
			if vk.ToString(available[i].LayerName[:]) == name {
				found = true
				break
			}
		}
		if !found {
			return errors.Newf("required validation layer is missing: %s", name)
		}
	}
	core.LogInfo("All required validation layers are present.")
	return nil
}

func (d *Device) destroyInstance() {
	if d.surface != vk.NullSurface {
		vk.DestroySurface(d.instance, d.surface, nil)
		d.surface = vk.NullSurface
	}
	if d.debug != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(d.instance, d.debug, nil)
		d.debug = vk.NullDebugReportCallback
	}
	if d.instance != nil {
		vk.DestroyInstance(d.instance, nil)
		d.instance = nil
	}
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		core.LogWarn("PERFORMANCE: [%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogDebug("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
