// Package vocab implements the precomputed descriptor vocabulary used to
// accelerate relocalization candidate search: binary descriptor words, a
// quantizer, and bag-of-words signatures compared by cosine similarity.
package vocab

import (
	"encoding/json"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/visense/vislam/keypoints"
)

// ErrNoVocabulary is returned when a vocabulary is missing or unusable.
var ErrNoVocabulary = errors.New("descriptor vocabulary is not available")

// Vocabulary is a flat set of binary descriptor words. Descriptors quantize
// to their nearest word by Hamming distance.
type Vocabulary struct {
	Words []keypoints.Descriptor `json:"words"`
}

// CheckValid reports whether the vocabulary is usable.
func (v *Vocabulary) CheckValid() error {
	if v == nil || len(v.Words) == 0 {
		return errors.Wrap(ErrNoVocabulary, "vocabulary has no words")
	}
	n := len(v.Words[0])
	if n == 0 {
		return errors.Wrap(ErrNoVocabulary, "vocabulary words are empty")
	}
	for i, w := range v.Words {
		if len(w) != n {
			return errors.Wrapf(ErrNoVocabulary, "word %d has inconsistent length", i)
		}
	}
	return nil
}

// Size returns the number of words.
func (v *Vocabulary) Size() int { return len(v.Words) }

// Load reads a vocabulary from a JSON file. A missing or malformed file is a
// fatal initialization error.
func Load(path string) (*Vocabulary, error) {
	//nolint:gosec
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, errors.Wrap(err, "error opening vocabulary file")
	}
	defer utils.UncheckedErrorFunc(f.Close)
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "error reading vocabulary file")
	}
	voc := &Vocabulary{}
	if err := json.Unmarshal(data, voc); err != nil {
		return nil, errors.Wrap(err, "error parsing vocabulary file")
	}
	if err := voc.CheckValid(); err != nil {
		return nil, err
	}
	return voc, nil
}

// Save writes the vocabulary to a JSON file, overwriting any existing file.
func (v *Vocabulary) Save(path string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Quantize returns the index of the word nearest to d.
func (v *Vocabulary) Quantize(d keypoints.Descriptor) int {
	best, bestDist := 0, 1<<30
	for i, w := range v.Words {
		dist := keypoints.HammingDistance(d, w)
		if dist >= 0 && dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best
}

// Signature is an L2-normalized word histogram of a descriptor set.
type Signature []float64

// Signature computes the bag-of-words signature of a descriptor set. An empty
// set yields a zero signature.
func (v *Vocabulary) Signature(descs keypoints.Descriptors) Signature {
	sig := make(Signature, len(v.Words))
	if len(descs) == 0 {
		return sig
	}
	for _, d := range descs {
		sig[v.Quantize(d)]++
	}
	norm := 0.
	for _, x := range sig {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range sig {
			sig[i] /= norm
		}
	}
	return sig
}

// CosineSimilarity compares two signatures; 1 is identical, 0 orthogonal.
func CosineSimilarity(a, b Signature) float64 {
	if len(a) != len(b) {
		return 0
	}
	dot := 0.
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

// Train builds a vocabulary of k words from a descriptor corpus using binary
// k-means: words are bitwise-majority centroids of their cluster. Training is
// deterministic for a fixed seed.
func Train(descs keypoints.Descriptors, k, iterations int, seed int64) (*Vocabulary, error) {
	if len(descs) == 0 {
		return nil, errors.Wrap(ErrNoVocabulary, "no descriptors to train on")
	}
	if k <= 0 {
		return nil, errors.New("vocabulary size must be positive")
	}
	if k > len(descs) {
		k = len(descs)
	}
	//nolint:gosec
	rnd := rand.New(rand.NewSource(seed))
	words := make([]keypoints.Descriptor, k)
	for i, idx := range rnd.Perm(len(descs))[:k] {
		words[i] = append(keypoints.Descriptor(nil), descs[idx]...)
	}
	voc := &Vocabulary{Words: words}

	assignment := make([]int, len(descs))
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, d := range descs {
			w := voc.Quantize(d)
			if w != assignment[i] {
				assignment[i] = w
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}
		voc.Words = majorityCentroids(descs, assignment, voc.Words)
	}
	return voc, nil
}

// majorityCentroids recomputes each word as the bitwise majority of its
// assigned descriptors. Empty clusters keep their previous word.
func majorityCentroids(descs keypoints.Descriptors, assignment []int, prev []keypoints.Descriptor) []keypoints.Descriptor {
	k := len(prev)
	wordLen := len(prev[0])
	counts := make([]int, k)
	bitCounts := make([][]int, k)
	for i := range bitCounts {
		bitCounts[i] = make([]int, wordLen*64)
	}
	for i, d := range descs {
		c := assignment[i]
		counts[c]++
		for w := 0; w < wordLen && w < len(d); w++ {
			for b := 0; b < 64; b++ {
				if d[w]&(1<<b) != 0 {
					bitCounts[c][w*64+b]++
				}
			}
		}
	}
	words := make([]keypoints.Descriptor, k)
	for c := 0; c < k; c++ {
		if counts[c] == 0 {
			words[c] = prev[c]
			continue
		}
		word := make(keypoints.Descriptor, wordLen)
		for w := 0; w < wordLen; w++ {
			for b := 0; b < 64; b++ {
				if 2*bitCounts[c][w*64+b] > counts[c] {
					word[w] |= 1 << b
				}
			}
		}
		words[c] = word
	}
	return words
}
