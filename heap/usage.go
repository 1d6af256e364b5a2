package heap

import "github.com/vkngwrapper/arsenal/factory/device"

// Usage is the usage class of an allocation. Memory types are chosen based on the usage class and
// allocations of different usage classes are kept in different heaps where the device allows it.
type Usage uint32

const (
	// UsageData is memory that is only ever accessed by the device
	UsageData Usage = iota
	// UsageUpload is host-visible memory that the host writes sequentially and the device reads,
	// such as staging buffers
	UsageUpload
	// UsageDownload is host-visible memory that the device writes and the host reads back
	UsageDownload
	// UsageDynamic is host-visible memory that is frequently rewritten by the host and read by the
	// device, which would ideally live in device-local memory
	UsageDynamic

	usageCount
)

var usageMapping = map[Usage]string{
	UsageData:     "UsageData",
	UsageUpload:   "UsageUpload",
	UsageDownload: "UsageDownload",
	UsageDynamic:  "UsageDynamic",
}

func (u Usage) String() string {
	str, ok := usageMapping[u]
	if !ok {
		return "unknown"
	}
	return str
}

// HostVisible returns true if allocations of this usage class must be accessible from the host
func (u Usage) HostVisible() bool {
	return u != UsageData
}

func (u Usage) memoryPreferences() (requiredFlags, preferredFlags, notPreferredFlags device.MemoryPropertyFlags) {
	switch u {
	case UsageData:
		preferredFlags = device.MemoryPropertyDeviceLocal
		notPreferredFlags = device.MemoryPropertyHostVisible
	case UsageUpload:
		requiredFlags = device.MemoryPropertyHostVisible
		preferredFlags = device.MemoryPropertyHostCoherent
		notPreferredFlags = device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostCached
	case UsageDownload:
		requiredFlags = device.MemoryPropertyHostVisible
		preferredFlags = device.MemoryPropertyHostCached | device.MemoryPropertyHostCoherent
	case UsageDynamic:
		requiredFlags = device.MemoryPropertyHostVisible
		preferredFlags = device.MemoryPropertyDeviceLocal | device.MemoryPropertyHostCoherent
		notPreferredFlags = device.MemoryPropertyHostCached
	}

	// Lazily allocated memory can't back anything we map or copy into
	notPreferredFlags |= device.MemoryPropertyLazilyAllocated
	return requiredFlags, preferredFlags, notPreferredFlags
}

type suballocationType uint32

const (
	suballocationFree suballocationType = iota
	suballocationUnknown
	suballocationBuffer
	suballocationImageUnknown
	suballocationImageLinear
	suballocationImageOptimal
)

var suballocationTypeMapping = map[suballocationType]string{
	suballocationFree:         "SuballocationFree",
	suballocationUnknown:      "SuballocationUnknown",
	suballocationBuffer:       "SuballocationBuffer",
	suballocationImageUnknown: "SuballocationImageUnknown",
	suballocationImageLinear:  "SuballocationImageLinear",
	suballocationImageOptimal: "SuballocationImageOptimal",
}

func (s suballocationType) String() string {
	str, ok := suballocationTypeMapping[s]
	if !ok {
		return "unknown SuballocationType"
	}

	return str
}
