// Package indexspec implements the range-stride textual notation a Slurm-class
// scheduler uses for array-job task indices, and the compression that turns an
// arbitrary sparse set of failed indices back into that notation. A segment is
// either a singleton "n", a dense run "a-b", or a strided run "a-b:s" with
// s >= 2. Compress is total; Expand rejects malformed input.
//
// Sets are carried internally as sorted, deduplicated []int and are only
// serialized to spec strings at submission boundaries — escalate and chain
// never round-trip through the textual form themselves.
package indexspec

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

const minPeriod = 2
const maxPeriod = 5

// Compress produces the textual spec for set. set need not be pre-sorted or
// deduplicated. Compress is total: it never returns an error.
func Compress(set []int) string {
	idx := sortedUnique(set)
	switch len(idx) {
	case 0:
		return ""
	case 1:
		return strconv.Itoa(idx[0])
	case 2:
		return pairSegment(idx[0], idx[1])
	}

	gaps := gapSequence(idx)
	if period := detectPeriod(gaps); period > 0 {
		return compressPeriodic(idx, gaps, period)
	}
	return compressGreedy(idx)
}

// MustCompress is Compress; kept for symmetry with MustExpand since compress
// never fails, so callers never actually need the "must" form, but config and
// CLI flag plumbing can invoke it uniformly alongside MustExpand.
func MustCompress(set []int) string { return Compress(set) }

// Expand is the inverse of Compress. It accepts any well-formed range-stride
// spec, not only ones Compress itself would produce.
func Expand(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	seen := make(map[int]bool)
	var out []int
	for _, seg := range strings.Split(spec, ",") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			return nil, fmt.Errorf("indexspec: empty segment in %q", spec)
		}
		vals, err := expandSegment(seg)
		if err != nil {
			return nil, fmt.Errorf("indexspec: %q: %w", spec, err)
		}
		for _, v := range vals {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	sort.Ints(out)
	return out, nil
}

// MustExpand panics on a malformed spec. Used only where the caller has
// already validated the string (e.g. re-parsing a spec this process just
// wrote to the checkpoint).
func MustExpand(spec string) []int {
	set, err := Expand(spec)
	if err != nil {
		panic(err)
	}
	return set
}

// Length returns the character length of spec, the gating metric for batching.
func Length(spec string) int { return len(spec) }

// Cardinality counts the elements a spec describes without materializing them.
func Cardinality(spec string) (int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, nil
	}
	total := 0
	for _, seg := range strings.Split(spec, ",") {
		seg = strings.TrimSpace(seg)
		n, err := segmentCardinality(seg)
		if err != nil {
			return 0, fmt.Errorf("indexspec: %q: %w", spec, err)
		}
		total += n
	}
	return total, nil
}

// Batch partitions set, in index order, into chunks whose compressed form is
// each at most budget characters. It starts from a target of 500 indices per
// batch and halves the target whenever any resulting batch still overruns
// budget, down to single-index batches.
func Batch(set []int, budget int) ([][]int, error) {
	idx := sortedUnique(set)
	if len(idx) == 0 {
		return nil, nil
	}
	if budget <= 0 {
		return nil, fmt.Errorf("indexspec: batch budget must be positive, got %d", budget)
	}

	for target := 500; target >= 1; target /= 2 {
		batches := chunk(idx, target)
		if allFit(batches, budget) {
			return batches, nil
		}
		if target == 1 {
			break
		}
	}
	// Even single-index batches overrun budget: the budget is too small for
	// the largest index's decimal representation.
	batches := chunk(idx, 1)
	if !allFit(batches, budget) {
		return nil, fmt.Errorf("indexspec: budget %d too small to fit any single index", budget)
	}
	return batches, nil
}

func chunk(idx []int, size int) [][]int {
	var batches [][]int
	for i := 0; i < len(idx); i += size {
		end := i + size
		if end > len(idx) {
			end = len(idx)
		}
		batches = append(batches, idx[i:end:end])
	}
	return batches
}

func allFit(batches [][]int, budget int) bool {
	for _, b := range batches {
		if Length(Compress(b)) > budget {
			return false
		}
	}
	return true
}

func sortedUnique(set []int) []int {
	if len(set) == 0 {
		return nil
	}
	cp := append([]int(nil), set...)
	sort.Ints(cp)
	out := cp[:1]
	for _, v := range cp[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}

func gapSequence(idx []int) []int {
	gaps := make([]int, len(idx)-1)
	for i := 1; i < len(idx); i++ {
		gaps[i-1] = idx[i] - idx[i-1]
	}
	return gaps
}

// pairSegment renders a two-element set: a consecutive run as "a-b", else the
// two singletons comma-joined.
func pairSegment(a, b int) string {
	if b == a+1 {
		return fmt.Sprintf("%d-%d", a, b)
	}
	return fmt.Sprintf("%d,%d", a, b)
}

// detectPeriod finds the smallest period p in {2,3,4,5} for which gaps repeats
// the same p-length pattern for at least three full repetitions. Returns 0
// if none qualifies. A constant gap sequence is one arithmetic progression,
// not p interleaved ones, so it never qualifies: greedy run-extension
// renders it as a single segment.
func detectPeriod(gaps []int) int {
	constant := true
	for _, g := range gaps[1:] {
		if g != gaps[0] {
			constant = false
			break
		}
	}
	if constant {
		return 0
	}
	for p := minPeriod; p <= maxPeriod; p++ {
		if len(gaps) < p*3 {
			continue
		}
		periodic := true
		for i := p; i < len(gaps); i++ {
			if gaps[i] != gaps[i%p] {
				periodic = false
				break
			}
		}
		if periodic {
			return p
		}
	}
	return 0
}

// compressPeriodic emits one strided segment per interleaved progression once
// detectPeriod has confirmed idx is the union of period arithmetic
// progressions sharing stride = sum(gaps[:period]).
func compressPeriodic(idx []int, gaps []int, period int) string {
	stride := 0
	for _, g := range gaps[:period] {
		stride += g
	}

	parts := make([]string, 0, period)
	for offset := 0; offset < period; offset++ {
		var seq []int
		for j := offset; j < len(idx); j += period {
			seq = append(seq, idx[j])
		}
		parts = append(parts, runSegment(seq, stride))
	}
	return strings.Join(parts, ",")
}

// runSegment renders a sequence known to be in constant-stride arithmetic
// progression: 3+ elements as a strided (or dense, if stride==1) range, 2 as
// a pair, 1 as a singleton.
func runSegment(seq []int, stride int) string {
	switch len(seq) {
	case 1:
		return strconv.Itoa(seq[0])
	case 2:
		return pairSegment(seq[0], seq[1])
	default:
		start, end := seq[0], seq[len(seq)-1]
		if stride == 1 {
			return fmt.Sprintf("%d-%d", start, end)
		}
		return fmt.Sprintf("%d-%d:%d", start, end, stride)
	}
}

// compressGreedy runs the non-periodic fallback: starting at the leftmost
// unconsumed element, extend a run using the first observed gap as stride,
// accept it as a segment at >=3 elements (strided) or >=2 consecutive
// elements, else fall back to a singleton and advance by one.
func compressGreedy(idx []int) string {
	var parts []string
	i := 0
	for i < len(idx) {
		start := idx[i]
		if i+1 >= len(idx) {
			parts = append(parts, strconv.Itoa(start))
			i++
			continue
		}
		stride := idx[i+1] - idx[i]
		end := start
		count := 1
		j := i + 1
		for j < len(idx) && idx[j] == end+stride {
			end = idx[j]
			count++
			j++
		}
		switch {
		case count >= 3:
			if stride == 1 {
				parts = append(parts, fmt.Sprintf("%d-%d", start, end))
			} else {
				parts = append(parts, fmt.Sprintf("%d-%d:%d", start, end, stride))
			}
			i = j
		case count == 2 && stride == 1:
			parts = append(parts, fmt.Sprintf("%d-%d", start, end))
			i = j
		default:
			parts = append(parts, strconv.Itoa(start))
			i++
		}
	}
	return strings.Join(parts, ",")
}

func expandSegment(seg string) ([]int, error) {
	if dash := strings.IndexByte(seg, '-'); dash > 0 {
		rangePart := seg
		stride := 1
		if colon := strings.IndexByte(seg, ':'); colon >= 0 {
			s, err := strconv.Atoi(seg[colon+1:])
			if err != nil {
				return nil, fmt.Errorf("bad stride in %q: %w", seg, err)
			}
			if s < 2 {
				return nil, fmt.Errorf("stride must be >= 2, got %d in %q", s, seg)
			}
			stride = s
			rangePart = seg[:colon]
			dash = strings.IndexByte(rangePart, '-')
		}
		a, err := strconv.Atoi(rangePart[:dash])
		if err != nil {
			return nil, fmt.Errorf("bad range start in %q: %w", seg, err)
		}
		b, err := strconv.Atoi(rangePart[dash+1:])
		if err != nil {
			return nil, fmt.Errorf("bad range end in %q: %w", seg, err)
		}
		if b <= a {
			return nil, fmt.Errorf("range end must exceed start in %q", seg)
		}
		if (b-a)%stride != 0 {
			return nil, fmt.Errorf("range %q is not a multiple of stride %d", seg, stride)
		}
		var out []int
		for v := a; v <= b; v += stride {
			out = append(out, v)
		}
		return out, nil
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return nil, fmt.Errorf("bad singleton %q: %w", seg, err)
	}
	if n < 0 {
		return nil, fmt.Errorf("negative index %q", seg)
	}
	return []int{n}, nil
}

func segmentCardinality(seg string) (int, error) {
	if dash := strings.IndexByte(seg, '-'); dash > 0 {
		rangePart := seg
		stride := 1
		if colon := strings.IndexByte(seg, ':'); colon >= 0 {
			s, err := strconv.Atoi(seg[colon+1:])
			if err != nil {
				return 0, err
			}
			stride = s
			rangePart = seg[:colon]
			dash = strings.IndexByte(rangePart, '-')
		}
		a, err := strconv.Atoi(rangePart[:dash])
		if err != nil {
			return 0, err
		}
		b, err := strconv.Atoi(rangePart[dash+1:])
		if err != nil {
			return 0, err
		}
		if stride <= 0 || b < a {
			return 0, fmt.Errorf("malformed range %q", seg)
		}
		return (b-a)/stride + 1, nil
	}
	if _, err := strconv.Atoi(seg); err != nil {
		return 0, err
	}
	return 1, nil
}
