package device

// ReferenceGemm is the dense float64-accumulated weight-only GEMM:
// out[i][j] = scales[j] * sum_k act[i][k] * weights[k][j]. weights is the
// unpacked [k, n] row-major matrix.
func ReferenceGemm(act []float32, weights []int8, scales []float32, m, n, k int) []float32 {
	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float64
			for l := 0; l < k; l++ {
				acc += float64(act[i*k+l]) * float64(weights[l*n+j])
			}
			out[i*n+j] = float32(acc) * scales[j]
		}
	}
	return out
}
