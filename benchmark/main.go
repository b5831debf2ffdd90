// Command benchmark measures enqueue and processing throughput against a
// local redis server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hemant/resq"
)

const redisAddr = "localhost:6379"

type BenchmarkResult struct {
	Name     string
	Jobs     int
	Workers  int
	Duration time.Duration
	Rate     float64
	Success  int64
	Failed   int64
}

var allResults []BenchmarkResult

func clearRedis() {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})
	defer client.Close()
	client.FlushAll(context.Background())
}

func report(r BenchmarkResult) BenchmarkResult {
	log.Printf("Results:")
	log.Printf("  Duration: %v", r.Duration)
	log.Printf("  Success: %d, Failed: %d", r.Success, r.Failed)
	log.Printf("  Rate: %.2f jobs/sec", r.Rate)
	allResults = append(allResults, r)
	return r
}

// BenchmarkEnqueue measures single-job enqueue throughput.
func BenchmarkEnqueue(numJobs int, concurrency int) BenchmarkResult {
	log.Printf("\n=== ENQUEUE BENCHMARK ===")
	log.Printf("Jobs: %d, Concurrency: %d goroutines", numJobs, concurrency)

	client := resq.NewClient(resq.RedisClientOpt{Addr: redisAddr}, resq.Config{})
	defer client.Close()

	var wg sync.WaitGroup
	var successCount int64
	var failCount int64
	jobsPerWorker := numJobs / concurrency
	start := time.Now()

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := 0; i < jobsPerWorker; i++ {
				job := resq.NewJob("Benchmark", workerID, i, "benchmark payload data for testing throughput")
				if err := client.Enqueue(context.Background(), "default", job); err != nil {
					atomic.AddInt64(&failCount, 1)
				} else {
					atomic.AddInt64(&successCount, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	duration := time.Since(start)

	return report(BenchmarkResult{
		Name:     fmt.Sprintf("Enqueue (concurrency=%d)", concurrency),
		Jobs:     numJobs,
		Workers:  concurrency,
		Duration: duration,
		Rate:     float64(successCount) / duration.Seconds(),
		Success:  successCount,
		Failed:   failCount,
	})
}

// BenchmarkBatchEnqueue measures enqueue throughput in batches.
func BenchmarkBatchEnqueue(numJobs int, batchSize int) BenchmarkResult {
	log.Printf("\n=== BATCH ENQUEUE BENCHMARK ===")
	log.Printf("Jobs: %d, Batch size: %d", numJobs, batchSize)

	client := resq.NewClient(resq.RedisClientOpt{Addr: redisAddr}, resq.Config{})
	defer client.Close()

	var successCount, failCount int64
	start := time.Now()
	for done := 0; done < numJobs; done += batchSize {
		batch := make([]*resq.Job, 0, batchSize)
		for i := done; i < done+batchSize && i < numJobs; i++ {
			batch = append(batch, resq.NewJob("Benchmark", i))
		}
		if err := client.BatchEnqueue(context.Background(), "default", batch); err != nil {
			failCount += int64(len(batch))
		} else {
			successCount += int64(len(batch))
		}
	}
	duration := time.Since(start)

	return report(BenchmarkResult{
		Name:     fmt.Sprintf("BatchEnqueue (batch=%d)", batchSize),
		Jobs:     numJobs,
		Workers:  1,
		Duration: duration,
		Rate:     float64(successCount) / duration.Seconds(),
		Success:  successCount,
		Failed:   failCount,
	})
}

// BenchmarkProcessing measures how fast a pool drains a pre-filled queue.
func BenchmarkProcessing(numJobs int, workers int) BenchmarkResult {
	log.Printf("\n=== PROCESSING BENCHMARK ===")
	log.Printf("Jobs: %d, Worker Pool: %d workers", numJobs, workers)

	log.Println("Pre-enqueueing jobs...")
	client := resq.NewClient(resq.RedisClientOpt{Addr: redisAddr}, resq.Config{})
	batch := make([]*resq.Job, 0, 1000)
	for i := 0; i < numJobs; i++ {
		batch = append(batch, resq.NewJob("Benchmark", i))
		if len(batch) == cap(batch) || i == numJobs-1 {
			if err := client.BatchEnqueue(context.Background(), "default", batch); err != nil {
				log.Fatalf("could not pre-enqueue jobs: %v", err)
			}
			batch = batch[:0]
		}
	}
	client.Close()
	log.Printf("Pre-enqueued %d jobs", numJobs)

	var processedCount int64
	reg := resq.NewRegistry()
	reg.RegisterFunc("Benchmark", func(ctx context.Context, job *resq.Job) error {
		atomic.AddInt64(&processedCount, 1)
		return nil
	})
	pool := resq.NewWorkerPool(resq.RedisClientOpt{Addr: redisAddr}, reg, resq.Config{
		Concurrency:     workers,
		EmptyQueueSleep: 10 * time.Millisecond,
		LogLevel:        resq.WarnLevel,
	})

	start := time.Now()
	if err := pool.Start(); err != nil {
		log.Fatalf("could not start pool: %v", err)
	}
	defer pool.Shutdown()

	timeout := time.After(120 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if atomic.LoadInt64(&processedCount) < int64(numJobs) {
				continue
			}
		case <-timeout:
			log.Printf("TIMEOUT")
		}
		count := atomic.LoadInt64(&processedCount)
		duration := time.Since(start)
		return report(BenchmarkResult{
			Name:     fmt.Sprintf("Processing (workers=%d)", workers),
			Jobs:     numJobs,
			Workers:  workers,
			Duration: duration,
			Rate:     float64(count) / duration.Seconds(),
			Success:  count,
			Failed:   int64(numJobs) - count,
		})
	}
}

func main() {
	log.SetFlags(0)
	log.Printf("resq benchmark on %d CPUs", runtime.NumCPU())

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Printf("redis is not reachable at %s: %v", redisAddr, err)
		os.Exit(1)
	}
	rdb.Close()

	clearRedis()
	BenchmarkEnqueue(10000, 10)
	clearRedis()
	BenchmarkEnqueue(10000, 50)
	clearRedis()
	BenchmarkBatchEnqueue(10000, 100)
	clearRedis()
	BenchmarkProcessing(10000, 10)
	clearRedis()
	BenchmarkProcessing(10000, 50)
	clearRedis()

	log.Printf("\n=== SUMMARY ===")
	log.Printf("%-32s %8s %8s %12s %14s", "Benchmark", "Jobs", "Workers", "Duration", "Rate (jobs/s)")
	for _, r := range allResults {
		log.Printf("%-32s %8d %8d %12v %14.2f", r.Name, r.Jobs, r.Workers, r.Duration.Round(time.Millisecond), r.Rate)
	}
}
