package provider

// FallbackOrder puts primary first, then each free-chain key not already present,
// keeping the free chain's relative order.
func FallbackOrder(primary Key, freeChain []Key) []Key {
	order := make([]Key, 0, len(freeChain)+1)
	seen := make(map[Key]bool, len(freeChain)+1)

	if primary != "" {
		order = append(order, primary)
		seen[primary] = true
	}

	for _, k := range freeChain {
		if seen[k] {
			continue
		}
		seen[k] = true
		order = append(order, k)
	}

	return order
}
