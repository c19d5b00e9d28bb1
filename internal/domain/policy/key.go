package policy

import (
	"sort"

	"github.com/cespare/xxhash/v2"
)

// CacheKey generates a deterministic hash for an authorization input.
// Monotonically varying fields (timestamp, request id) are excluded so
// identical requests map to the same decision; list-valued fields are
// hashed in sorted order.
func CacheKey(input *AuthorizationInput) uint64 {
	h := xxhash.New()

	_, _ = h.WriteString(input.User.ID)
	_, _ = h.Write([]byte{0}) // separator
	_, _ = h.WriteString(input.User.Role)
	_, _ = h.Write([]byte{0})
	writeSorted(h, input.User.Teams)
	if input.User.MFAVerified {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte{0})
	writeSorted(h, input.User.MFAMethods)

	_, _ = h.WriteString(input.Action)
	_, _ = h.Write([]byte{0})

	if input.Tool != nil {
		_, _ = h.WriteString(input.Tool.CapabilityID)
		_, _ = h.Write([]byte{0})
		_, _ = h.WriteString(input.Tool.SensitivityLevel)
	}
	_, _ = h.Write([]byte{0})
	if input.Server != nil {
		_, _ = h.WriteString(input.Server.ResourceID)
	}
	_, _ = h.Write([]byte{0})

	// Client IP stays in the key: ip-filter policies condition on it.
	_, _ = h.WriteString(input.Context.ClientIP)

	return h.Sum64()
}

func writeSorted(h *xxhash.Digest, values []string) {
	sorted := make([]string, len(values))
	copy(sorted, values)
	sort.Strings(sorted)
	for _, v := range sorted {
		_, _ = h.WriteString(v)
		_, _ = h.Write([]byte{0})
	}
}
