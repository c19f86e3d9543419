/*
Copyright 2025 The Hoard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sources

import (
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// defaultBurst allows small bursts while still respecting the
	// per-second limit.
	defaultBurst = 3

	// backoffDuration is how long to pause a provider after a 429.
	backoffDuration = 10 * time.Second

	// backoffCooldown is the minimum interval between backoff events so
	// repeated 429s do not stack pauses.
	backoffCooldown = 15 * time.Second
)

// limitedTransport wraps an http.RoundTripper with rate limiting and
// adaptive backoff on 429 responses. Every provider client gets its own so
// that one hammered API cannot starve the rest.
type limitedTransport struct {
	name         string
	rateLimiter  *rate.Limiter
	roundTripper http.RoundTripper

	mu           sync.Mutex
	lastBackoff  time.Time
	backoffUntil time.Time
}

var _ http.RoundTripper = &limitedTransport{}

func newLimitedTransport(name string, limit rate.Limit) *limitedTransport {
	return &limitedTransport{
		name:         name,
		rateLimiter:  rate.NewLimiter(limit, defaultBurst),
		roundTripper: http.DefaultTransport,
	}
}

// RoundTrip executes the request once a rate token is available. A 429
// response pauses all requests through this transport so the provider's
// quota can recover.
func (lt *limitedTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	ctx := r.Context()

	lt.mu.Lock()
	until := lt.backoffUntil
	lt.mu.Unlock()
	if !until.IsZero() && time.Now().Before(until) {
		wait := time.Until(until)
		logrus.WithField("provider", lt.name).Warnf(
			"backoff active, waiting %s before next request", wait.Round(time.Millisecond))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := lt.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := lt.roundTripper.RoundTrip(r)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		lt.triggerBackoff()
	}
	return resp, nil
}

func (lt *limitedTransport) triggerBackoff() {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	now := time.Now()
	if now.Sub(lt.lastBackoff) < backoffCooldown {
		return
	}
	lt.lastBackoff = now
	lt.backoffUntil = now.Add(backoffDuration)
	logrus.WithField("provider", lt.name).Warnf(
		"received 429 Too Many Requests, backing off for %s", backoffDuration)
}

// BudgetAllocator partitions the total outbound requests-per-second budget
// into per-provider sub-budgets. SauceNAO has a hard daily quota and gets a
// much smaller slice than the boorus.
type BudgetAllocator struct {
	mu          sync.Mutex
	total       rate.Limit
	allocations map[string]*limitedTransport
}

// NewBudgetAllocator creates an allocator with the given total
// requests-per-second budget.
func NewBudgetAllocator(totalEventsPerSecond rate.Limit) *BudgetAllocator {
	return &BudgetAllocator{
		total:       totalEventsPerSecond,
		allocations: make(map[string]*limitedTransport),
	}
}

// Allocate creates a named transport with the given fraction of the total
// budget. The sum of all fractions should not exceed 1.0.
func (b *BudgetAllocator) Allocate(name string, fraction float64) http.RoundTripper {
	b.mu.Lock()
	defer b.mu.Unlock()

	limit := rate.Limit(float64(b.total) * fraction)
	lt := newLimitedTransport(name, limit)
	b.allocations[name] = lt

	logrus.WithField("allocator", "budget").Infof(
		"allocated %q: %.1f req/sec (%.0f%% of %.1f total)",
		name, float64(limit), fraction*100, float64(b.total))
	return lt
}

// Client returns an http.Client using the named allocation, allocating the
// fraction on first use.
func (b *BudgetAllocator) Client(name string, fraction float64, timeout time.Duration) *http.Client {
	b.mu.Lock()
	lt, ok := b.allocations[name]
	b.mu.Unlock()
	if !ok {
		lt = b.Allocate(name, fraction).(*limitedTransport)
	}
	return &http.Client{Transport: lt, Timeout: timeout}
}
