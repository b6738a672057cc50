// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"regexp"

	"github.com/gofrs/uuid/v5"
)

// TraitSharesViaAggregate marks a sharing provider: its inventory is offered
// to every provider that shares at least one aggregate with it.
const TraitSharesViaAggregate = "MISC_SHARES_VIA_AGGREGATE"

// CustomPrefix is the mandatory name prefix for resource classes and traits
// that are not part of the standard catalogs.
const CustomPrefix = "CUSTOM_"

var symbolNameRx = regexp.MustCompile(`^[A-Z0-9_]+$`)

// ValidateSymbolName checks the shared naming discipline for resource classes,
// traits and consumer types. `kind` is only used in error messages.
func ValidateSymbolName(kind, name string) error {
	if name == "" {
		return ValidationError("%s name may not be empty", kind)
	}
	if len(name) > 255 {
		return ValidationError("%s name exceeds 255 characters", kind)
	}
	if !symbolNameRx.MatchString(name) {
		return ValidationError("%s name %q does not match /%s/", kind, name, symbolNameRx.String())
	}
	return nil
}

// ValidateProviderName checks the naming rules for resource providers.
func ValidateProviderName(name string) error {
	if name == "" {
		return ValidationError("resource provider name may not be empty")
	}
	if len(name) > 200 {
		return ValidationError("resource provider name exceeds 200 characters")
	}
	return nil
}

// ParseUUID checks that the input is a well-formed UUID and returns it in the
// canonical dashed form in which UUIDs are stored.
func ParseUUID(kind, input string) (string, error) {
	u, err := uuid.FromString(input)
	if err != nil {
		return "", ValidationError("%s %q is not a valid UUID", kind, input)
	}
	return u.String(), nil
}

// StandardResourceClasses is the canonical catalog of resource classes that is
// seeded into the database at startup. Classes outside of this catalog must
// carry the CUSTOM_ prefix.
var StandardResourceClasses = []string{
	"VCPU",
	"MEMORY_MB",
	"DISK_GB",
	"PCI_DEVICE",
	"SRIOV_NET_VF",
	"NUMA_SOCKET",
	"NUMA_CORE",
	"NUMA_THREAD",
	"NUMA_MEMORY_MB",
	"IPV4_ADDRESS",
	"VGPU",
	"VGPU_DISPLAY_HEAD",
	"NET_BW_EGR_KILOBIT_PER_SEC",
	"NET_BW_IGR_KILOBIT_PER_SEC",
	"PCPU",
	"MEM_ENCRYPTION_CONTEXT",
	"FPGA",
	"PGPU",
	"NET_PACKET_RATE_KILOPACKET_PER_SEC",
	"NET_PACKET_RATE_EGR_KILOPACKET_PER_SEC",
	"NET_PACKET_RATE_IGR_KILOPACKET_PER_SEC",
}

// StandardTraits is the canonical trait catalog that is seeded into the
// database at startup. Traits outside of this catalog must carry the CUSTOM_
// prefix.
var StandardTraits = []string{
	TraitSharesViaAggregate,
	"COMPUTE_DEVICE_TAGGING",
	"COMPUTE_NET_ATTACH_INTERFACE",
	"COMPUTE_TRUSTED_CERTS",
	"COMPUTE_VOLUME_EXTEND",
	"COMPUTE_VOLUME_MULTI_ATTACH",
	"HW_CPU_HYPERTHREADING",
	"HW_CPU_X86_AESNI",
	"HW_CPU_X86_AVX",
	"HW_CPU_X86_AVX2",
	"HW_CPU_X86_AVX512F",
	"HW_CPU_X86_SSE",
	"HW_CPU_X86_SSE2",
	"HW_CPU_X86_SSE42",
	"HW_GPU_API_CUDA",
	"HW_GPU_API_OPENCL",
	"HW_GPU_API_VULKAN",
	"HW_NIC_MULTIQUEUE",
	"HW_NIC_OFFLOAD_GENEVE",
	"HW_NIC_OFFLOAD_GRE",
	"HW_NIC_OFFLOAD_GRO",
	"HW_NIC_OFFLOAD_GSO",
	"HW_NIC_OFFLOAD_LRO",
	"HW_NIC_OFFLOAD_TSO",
	"HW_NIC_OFFLOAD_VXLAN",
	"HW_NIC_SRIOV",
	"HW_NUMA_ROOT",
	"STORAGE_DISK_HDD",
	"STORAGE_DISK_SSD",
}
