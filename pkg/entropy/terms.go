package entropy

import "math"

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

func lnFact(n int64) float64 {
	return lgamma(float64(n) + 1)
}

func lnInt(n int) float64 {
	if n <= 0 {
		return 0
	}
	return math.Log(float64(n))
}

// xlogx is x ln x with 0 ln 0 = 0.
func xlogx(x int64) float64 {
	if x <= 0 {
		return 0
	}
	f := float64(x)
	return f * math.Log(f)
}

func lnBinom(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	return lgamma(float64(n)+1) - lgamma(float64(k)+1) - lgamma(float64(n-k)+1)
}

// lnMultiset counts the ways to place k indistinguishable items in n bins.
func lnMultiset(n float64, k int64) float64 {
	if k == 0 || n <= 0 {
		return 0
	}
	return lgamma(n+float64(k)) - lgamma(float64(k)+1) - lgamma(n)
}

// partitionShape is the part of the partition description length that
// depends only on the vertex count n and block count b:
// ln C(n-1, b-1) + ln n! + ln n.
func partitionShape(n, b int) float64 {
	if n == 0 {
		return 0
	}
	return lnBinom(n-1, b-1) + lnFact(int64(n)) + math.Log(float64(n))
}

// topTerm encodes the top block matrix as a multiset of e edges over b² cells.
func topTerm(b int, e int64) float64 {
	return lnMultiset(float64(b)*float64(b), e)
}
