package sources

import "math/rand"

func shuffled(items []string, rng *rand.Rand) []string {
	out := make([]string, len(items))
	copy(out, items)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func pickRandom(items []string, rng *rand.Rand) string {
	if len(items) == 0 {
		return ""
	}
	return items[rng.Intn(len(items))]
}
