package breaker

import (
	"sync"
	"time"
)

// windowBuckets is the number of time buckets a breaker's failure window is
// divided into.
const windowBuckets = 10

// slidingWindow tracks request and failure counts over a rolling time window
// using fixed-size time buckets. Counts older than the window fall out as
// buckets rotate.
type slidingWindow struct {
	mu             sync.Mutex
	requestBuckets []int64
	failureBuckets []int64
	bucketSize     time.Duration
	current        int
	lastRotate     time.Time
}

func newSlidingWindow(bucketSize, windowSize time.Duration) *slidingWindow {
	n := int(windowSize / bucketSize)
	if n < 1 {
		n = 1
	}
	return &slidingWindow{
		requestBuckets: make([]int64, n),
		failureBuckets: make([]int64, n),
		bucketSize:     bucketSize,
		lastRotate:     time.Now(),
	}
}

// record adds one request outcome to the current bucket.
func (w *slidingWindow) record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rotateLocked()
	w.requestBuckets[w.current]++
	if !success {
		w.failureBuckets[w.current]++
	}
}

// failures returns the failure count across the window.
func (w *slidingWindow) failures() int64 {
	_, fails := w.stats()
	return fails
}

// stats returns the request and failure totals across the window.
func (w *slidingWindow) stats() (requests, failures int64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rotateLocked()
	for i := range w.requestBuckets {
		requests += w.requestBuckets[i]
		failures += w.failureBuckets[i]
	}
	return requests, failures
}

// reset clears all buckets.
func (w *slidingWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.requestBuckets {
		w.requestBuckets[i] = 0
		w.failureBuckets[i] = 0
	}
	w.lastRotate = time.Now()
}

// rotateLocked advances past buckets that have aged out. Caller holds mu.
func (w *slidingWindow) rotateLocked() {
	now := time.Now()
	elapsed := now.Sub(w.lastRotate)
	if elapsed < w.bucketSize {
		return
	}

	advance := int(elapsed / w.bucketSize)
	if advance > len(w.requestBuckets) {
		advance = len(w.requestBuckets)
	}
	for i := 0; i < advance; i++ {
		w.current = (w.current + 1) % len(w.requestBuckets)
		w.requestBuckets[w.current] = 0
		w.failureBuckets[w.current] = 0
	}
	w.lastRotate = now
}
