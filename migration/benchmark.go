package migration

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/ruteri/tiered-content-storage/interfaces"
)

// DefaultBenchmarkSizes are the object sizes benchmarked when none are given.
var DefaultBenchmarkSizes = []int{1024, 10240, 102400, 1048576}

type LatencyStats struct {
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
	AvgMs float64 `json:"avg_ms"`
	P95Ms float64 `json:"p95_ms"`
}

// BenchmarkResult holds upload and download latencies for one size and tier.
type BenchmarkResult struct {
	Operation      string          `json:"operation"`
	Backend        string          `json:"backend"`
	Tier           interfaces.Tier `json:"tier"`
	ObjectCount    int             `json:"object_count"`
	TotalSizeBytes int64           `json:"total_size_bytes"`
	Duration       time.Duration   `json:"duration"`
	ThroughputMBps float64         `json:"throughput_mbps"`
	OpsPerSecond   float64         `json:"ops_per_second"`
	Latency        LatencyStats    `json:"latency"`
}

// Benchmark times count uploads and downloads of each size on every tier of
// the target driver. The synthetic objects are deleted afterwards.
func (m *Migrator) Benchmark(ctx context.Context, sizes []int, count int) ([]BenchmarkResult, error) {
	if len(sizes) == 0 {
		sizes = DefaultBenchmarkSizes
	}
	if count <= 0 {
		count = 10
	}

	var results []BenchmarkResult
	for _, tier := range interfaces.AllTiers {
		for _, size := range sizes {
			m.log.Info("Benchmarking tier",
				slog.String("tier", string(tier)),
				slog.Int("object_size", size),
				slog.Int("count", count))

			payloads := syntheticObjects(size, count)
			upload, hashes, err := m.benchmarkUploads(ctx, tier, payloads)
			if err != nil {
				m.cleanupSynthetic(ctx, tier, hashes)
				return results, err
			}
			results = append(results, upload)

			download, err := m.benchmarkDownloads(ctx, tier, hashes)
			m.cleanupSynthetic(ctx, tier, hashes)
			if err != nil {
				return results, err
			}
			results = append(results, download)
		}
	}
	return results, nil
}

// syntheticObjects returns count distinct payloads of size bytes so that
// each one has its own content hash.
func syntheticObjects(size, count int) [][]byte {
	payloads := make([][]byte, count)
	seed := uint64(time.Now().UnixNano())
	for i := range payloads {
		data := bytes.Repeat([]byte{'A'}, size)
		var tag [16]byte
		binary.BigEndian.PutUint64(tag[:8], uint64(i))
		binary.BigEndian.PutUint64(tag[8:], seed)
		copy(data, tag[:min(size, len(tag))])
		payloads[i] = data
	}
	return payloads
}

func (m *Migrator) benchmarkUploads(ctx context.Context, tier interfaces.Tier, payloads [][]byte) (BenchmarkResult, []interfaces.ContentHash, error) {
	var (
		latencies []time.Duration
		hashes    []interfaces.ContentHash
		total     int64
	)
	start := time.Now()
	for _, data := range payloads {
		hash := interfaces.ComputeHash(data)
		opStart := time.Now()
		if err := m.target.PutObject(ctx, hash, bytes.NewReader(data), tier, &interfaces.PutOptions{Size: int64(len(data))}); err != nil {
			return BenchmarkResult{}, hashes, fmt.Errorf("benchmark upload failed: %w", err)
		}
		latencies = append(latencies, time.Since(opStart))
		hashes = append(hashes, hash)
		total += int64(len(data))
	}
	return m.benchmarkResult("upload", tier, latencies, total, time.Since(start)), hashes, nil
}

func (m *Migrator) benchmarkDownloads(ctx context.Context, tier interfaces.Tier, hashes []interfaces.ContentHash) (BenchmarkResult, error) {
	var latencies []time.Duration
	var total int64
	start := time.Now()
	for _, hash := range hashes {
		opStart := time.Now()
		r, err := m.target.GetObject(ctx, hash, tier, nil)
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("benchmark download failed: %w", err)
		}
		n, err := io.Copy(io.Discard, r)
		r.Close()
		if err != nil {
			return BenchmarkResult{}, fmt.Errorf("benchmark download failed: %w", err)
		}
		latencies = append(latencies, time.Since(opStart))
		total += n
	}
	return m.benchmarkResult("download", tier, latencies, total, time.Since(start)), nil
}

func (m *Migrator) cleanupSynthetic(ctx context.Context, tier interfaces.Tier, hashes []interfaces.ContentHash) {
	for _, hash := range hashes {
		if err := m.target.DeleteObject(ctx, hash, tier); err != nil {
			m.log.Warn("Failed to clean up benchmark object",
				slog.String("content_hash", hash.Short()),
				slog.String("tier", string(tier)),
				"err", err)
		}
	}
}

func (m *Migrator) benchmarkResult(op string, tier interfaces.Tier, latencies []time.Duration, total int64, d time.Duration) BenchmarkResult {
	res := BenchmarkResult{
		Operation:      op,
		Backend:        m.target.Name(),
		Tier:           tier,
		ObjectCount:    len(latencies),
		TotalSizeBytes: total,
		Duration:       d,
		Latency:        latencyStats(latencies),
	}
	if secs := d.Seconds(); secs > 0 {
		res.ThroughputMBps = float64(total) / 1024 / 1024 / secs
		res.OpsPerSecond = float64(len(latencies)) / secs
	}
	return res
}

func latencyStats(latencies []time.Duration) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, l := range sorted {
		sum += l
	}
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

	p95 := int(float64(len(sorted)) * 0.95)
	if p95 >= len(sorted) {
		p95 = len(sorted) - 1
	}
	return LatencyStats{
		MinMs: ms(sorted[0]),
		MaxMs: ms(sorted[len(sorted)-1]),
		AvgMs: ms(sum) / float64(len(sorted)),
		P95Ms: ms(sorted[p95]),
	}
}
