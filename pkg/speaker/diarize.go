package speaker

import (
	"log/slog"
	"math"

	"github.com/voxtail/voxtail/pkg/voiceprint"
)

// WindowEmbedding is one diarization window: its position in the source
// audio, its embedding, and the raw canonical PCM the voice
// characteristics are measured from.
type WindowEmbedding struct {
	// Start and End are offsets from the beginning of the audio, in
	// seconds.
	Start float64
	End   float64

	Embedding []float64

	// PCM is the canonical-format audio of the window.
	PCM []byte
}

// Cluster is one diarized voice: which windows it covers, its mean
// embedding (used to query the registry), and a characteristics summary.
type Cluster struct {
	// ID is the 1-based cluster label in order of first occurrence.
	ID int

	// Windows holds the indices into the Diarize input assigned to this
	// cluster, ascending.
	Windows []int

	// Embedding is the mean of the member window embeddings.
	Embedding []float64

	// Characteristics summarizes the voice: pitch_mean, pitch_variance
	// (zero-crossing approximation in Hz), volume (mean RMS of the
	// normalized signal), speaking_time (seconds).
	Characteristics map[string]float64
}

// Diarize partitions the windows into clusters of distinct voices.
//
// With fewer than two windows everything lands in a single cluster.
// Otherwise the speaker count is estimated by running average-linkage
// agglomerative clustering under cosine distance for every candidate k in
// [max(2, minK), min(maxK, N/2)] and keeping the k with the best cosine
// silhouette score. Any scoring failure falls back to k=2. Clusters are
// returned ordered by their first window.
func Diarize(windows []WindowEmbedding, minK, maxK int) []Cluster {
	if len(windows) == 0 {
		return nil
	}
	if len(windows) == 1 {
		return assemble(windows, []int{0}, 1)
	}

	dist := distanceMatrix(windows)

	kLo := 2
	if minK > kLo {
		kLo = minK
	}
	kHi := len(windows) / 2
	if maxK > 0 && maxK < kHi {
		kHi = maxK
	}
	if kHi < kLo {
		// Too few windows to distinguish more than one voice reliably.
		labels := make([]int, len(windows))
		return assemble(windows, labels, 1)
	}

	bestK := 2
	bestScore := math.Inf(-1)
	var bestLabels []int
	for k := kLo; k <= kHi; k++ {
		labels := agglomerate(dist, k)
		score, ok := silhouette(dist, labels, k)
		if !ok {
			continue
		}
		if score > bestScore {
			bestScore = score
			bestK = k
			bestLabels = labels
		}
	}
	if bestLabels == nil {
		slog.Warn("diarize: silhouette scoring failed for all k, falling back", "k", 2)
		bestK = 2
		bestLabels = agglomerate(dist, bestK)
	}

	return assemble(windows, bestLabels, bestK)
}

// distanceMatrix computes pairwise cosine distances (1 − similarity).
// Embeddings with mismatched dimensions are treated as maximally distant.
func distanceMatrix(windows []WindowEmbedding) [][]float64 {
	n := len(windows)
	dist := make([][]float64, n)
	for i := range dist {
		dist[i] = make([]float64, n)
	}
	for i := range n {
		for j := i + 1; j < n; j++ {
			sim, err := voiceprint.Cosine(windows[i].Embedding, windows[j].Embedding)
			d := 1 - sim
			if err != nil {
				d = 2
			}
			dist[i][j] = d
			dist[j][i] = d
		}
	}
	return dist
}

// agglomerate runs average-linkage agglomerative clustering down to k
// clusters and returns a label per point. Labels are arbitrary in [0, k).
func agglomerate(dist [][]float64, k int) []int {
	n := len(dist)
	clusters := make([][]int, n)
	for i := range clusters {
		clusters[i] = []int{i}
	}

	for len(clusters) > k {
		bestI, bestJ := 0, 1
		bestD := math.Inf(1)
		for i := range clusters {
			for j := i + 1; j < len(clusters); j++ {
				d := averageLinkage(dist, clusters[i], clusters[j])
				if d < bestD {
					bestD = d
					bestI, bestJ = i, j
				}
			}
		}
		clusters[bestI] = append(clusters[bestI], clusters[bestJ]...)
		clusters = append(clusters[:bestJ], clusters[bestJ+1:]...)
	}

	labels := make([]int, n)
	for label, members := range clusters {
		for _, idx := range members {
			labels[idx] = label
		}
	}
	return labels
}

// averageLinkage is the mean pairwise distance between two clusters.
func averageLinkage(dist [][]float64, a, b []int) float64 {
	var sum float64
	for _, i := range a {
		for _, j := range b {
			sum += dist[i][j]
		}
	}
	return sum / float64(len(a)*len(b))
}

// silhouette computes the mean silhouette coefficient under the given
// distance matrix. Points in singleton clusters contribute 0. Returns
// ok=false when the labelling is degenerate (fewer than two non-empty
// clusters).
func silhouette(dist [][]float64, labels []int, k int) (float64, bool) {
	n := len(labels)
	sizes := make([]int, k)
	for _, l := range labels {
		sizes[l]++
	}
	nonEmpty := 0
	for _, s := range sizes {
		if s > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		return 0, false
	}

	var total float64
	for i := range n {
		if sizes[labels[i]] <= 1 {
			continue
		}

		// a: mean distance to own cluster; b: min mean distance to any
		// other cluster.
		sums := make([]float64, k)
		for j := range n {
			if j != i {
				sums[labels[j]] += dist[i][j]
			}
		}

		a := sums[labels[i]] / float64(sizes[labels[i]]-1)
		b := math.Inf(1)
		for c := range k {
			if c == labels[i] || sizes[c] == 0 {
				continue
			}
			if m := sums[c] / float64(sizes[c]); m < b {
				b = m
			}
		}

		if denom := math.Max(a, b); denom > 0 {
			total += (b - a) / denom
		}
	}
	return total / float64(n), true
}

// assemble converts labels into Clusters ordered by first occurrence,
// with mean embeddings and voice characteristics.
func assemble(windows []WindowEmbedding, labels []int, k int) []Cluster {
	order := make([]int, 0, k)
	seen := make(map[int]bool, k)
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			order = append(order, l)
		}
	}

	clusters := make([]Cluster, 0, len(order))
	for rank, label := range order {
		var members []int
		for i, l := range labels {
			if l == label {
				members = append(members, i)
			}
		}
		clusters = append(clusters, Cluster{
			ID:              rank + 1,
			Windows:         members,
			Embedding:       meanEmbedding(windows, members),
			Characteristics: characteristics(windows, members),
		})
	}
	return clusters
}

func meanEmbedding(windows []WindowEmbedding, members []int) []float64 {
	mean := make([]float64, voiceprint.Dim)
	counted := 0
	for _, idx := range members {
		emb := windows[idx].Embedding
		if len(emb) != voiceprint.Dim {
			continue
		}
		for i, v := range emb {
			mean[i] += v
		}
		counted++
	}
	if counted > 0 {
		for i := range mean {
			mean[i] /= float64(counted)
		}
	}
	return mean
}

// characteristics derives the voice summary from the raw member samples.
// Pitch is approximated from the zero-crossing rate: a crossing pair per
// cycle puts the fundamental near zcr·rate/2.
func characteristics(windows []WindowEmbedding, members []int) map[string]float64 {
	var (
		pitches      []float64
		volumeSum    float64
		speakingTime float64
	)
	for _, idx := range members {
		w := windows[idx]
		speakingTime += w.End - w.Start

		samples := pcmToFloat64(w.PCM)
		if len(samples) == 0 {
			continue
		}

		crossings := 0
		var sumSquares float64
		for i, s := range samples {
			sumSquares += s * s
			if i > 0 && (s >= 0) != (samples[i-1] >= 0) {
				crossings++
			}
		}
		zcr := float64(crossings) / float64(len(samples))
		pitches = append(pitches, zcr*16000/2)
		volumeSum += math.Sqrt(sumSquares / float64(len(samples)))
	}

	out := map[string]float64{
		"speaking_time": speakingTime,
	}
	if len(pitches) > 0 {
		var mean float64
		for _, p := range pitches {
			mean += p
		}
		mean /= float64(len(pitches))

		var variance float64
		for _, p := range pitches {
			variance += (p - mean) * (p - mean)
		}
		variance /= float64(len(pitches))

		out["pitch_mean"] = mean
		out["pitch_variance"] = variance
		out["volume"] = volumeSum / float64(len(pitches))
	}
	return out
}

func pcmToFloat64(pcm []byte) []float64 {
	n := len(pcm) / 2
	samples := make([]float64, n)
	for i := range n {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		samples[i] = float64(sample) / 32768.0
	}
	return samples
}
