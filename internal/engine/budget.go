package engine

import (
	"fmt"
	"strings"

	"github.com/bramford/albatross/internal/policy"
)

// vmUnderPrefix reports whether vm lives at or under the ancestor path
// prefix.
func vmUnderPrefix(vm *RunningVM, prefix []string) bool {
	if len(vm.Prefix) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if vm.Prefix[i] != p {
			return false
		}
	}
	return true
}

func overflow(field string, requested, remaining int) error {
	return fmt.Errorf("%s: %d > %d remaining: %w", field, requested, remaining, ErrPolicy)
}

// checkBudget enforces the delegation resource algebra: for every
// ancestor prefix Q along proj's chain, the live draw under Q
// (excluding excludeID, the incumbent VM being replaced by a
// force-create, if any) plus vm's own requirement must not exceed Q's
// delegated budget. It returns the first violated constraint, checking
// vms count, then memory, cpuid, bridge, and block at each level
// before moving to the next.
func checkBudget(state State, proj *policy.ChainProjection, vm policy.VMConfig, excludeID string) error {
	for i, d := range proj.Delegations {
		q := proj.Prefix[: i+1 : i+1]

		var vmCount, memUsed int
		for _, rv := range state.VMs {
			if rv.ID == excludeID || !vmUnderPrefix(rv, q) {
				continue
			}
			vmCount++
			memUsed += rv.Config.RequestedMemory
		}

		if d.VMs != 0 && vmCount+1 > d.VMs {
			return overflow("vms", vmCount+1, d.VMs)
		}
		if remaining := d.Memory - memUsed; vm.RequestedMemory > remaining {
			return overflow("memory", vm.RequestedMemory, remaining)
		}
		if len(d.Cpuids) > 0 && !d.Cpuids[vm.Cpuid] {
			return fmt.Errorf("cpuid %d not delegated: %w", vm.Cpuid, ErrPolicy)
		}
		for _, net := range vm.Networks {
			if _, ok := d.Bridges[net]; !ok {
				return fmt.Errorf("unknown bridge %q: %w", net, ErrPolicy)
			}
		}
		if d.HasBlock && vm.BlockDevice != "" {
			used := 0
			for _, rv := range state.VMs {
				if rv.ID == excludeID || !vmUnderPrefix(rv, q) {
					continue
				}
				if rv.Config.BlockDevice != "" {
					used += blockSize(rv.Config)
				}
			}
			remaining := d.Block - used
			if blockSize(vm) > remaining {
				return overflow("block", blockSize(vm), remaining)
			}
		}
	}
	return nil
}

// blockSize is the storage footprint a VM's block device counts
// against its ancestors' block budgets. The wire protocol does not
// carry an explicit size for the attached block device, so it is
// costed at the VM's requested memory, matching the only figure a VM
// config supplies that is denominated in MB.
func blockSize(vm policy.VMConfig) int {
	return vm.RequestedMemory
}

func vmGlobMatch(id, glob string) bool {
	if glob == "" || glob == "*" {
		return true
	}
	if strings.HasSuffix(glob, "*") {
		return strings.HasPrefix(id, strings.TrimSuffix(glob, "*"))
	}
	return id == glob
}
