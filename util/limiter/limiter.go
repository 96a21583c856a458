// Copyright 2023 The Cuber Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package limiter

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/time/rate"
)

var ErrLimitExceeded = errors.New("concurrency limit exceeded")

type (
	// Limiter gates concurrent uploads and caps their byte rate. Zero-valued
	// config fields disable the corresponding limit.
	Limiter interface {
		AcquireWrite() error
		ReleaseWrite()
		Reader(ctx context.Context, r io.Reader) io.Reader
		Writer(ctx context.Context, w io.Writer) io.Writer
		Running() int
	}

	Config struct {
		WriteConcurrency int `json:"write_concurrency"`
		WriteMBPS        int `json:"write_mbps"`
	}

	limiter struct {
		config  Config
		running int32
		rate    *rate.Limiter
	}

	rateReader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}

	rateWriter struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
)

func New(cfg *Config) Limiter {
	mb := 1 << 20
	lim := &limiter{config: *cfg}
	if cfg.WriteMBPS > 0 {
		lim.rate = rate.NewLimiter(rate.Limit(cfg.WriteMBPS*mb), cfg.WriteMBPS*mb)
	}
	return lim
}

func (lim *limiter) AcquireWrite() error {
	if lim.config.WriteConcurrency <= 0 {
		atomic.AddInt32(&lim.running, 1)
		return nil
	}
	for {
		running := atomic.LoadInt32(&lim.running)
		if int(running) >= lim.config.WriteConcurrency {
			return ErrLimitExceeded
		}
		if atomic.CompareAndSwapInt32(&lim.running, running, running+1) {
			return nil
		}
	}
}

func (lim *limiter) ReleaseWrite() {
	atomic.AddInt32(&lim.running, -1)
}

func (lim *limiter) Running() int {
	return int(atomic.LoadInt32(&lim.running))
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) io.Reader {
	if lim.rate == nil {
		return r
	}
	return &rateReader{ctx: ctx, rate: lim.rate, underlying: r}
}

func (lim *limiter) Writer(ctx context.Context, w io.Writer) io.Writer {
	if lim.rate == nil {
		return w
	}
	return &rateWriter{ctx: ctx, rate: lim.rate, underlying: w}
}

func (r *rateReader) Read(p []byte) (n int, err error) {
	n, err = r.underlying.Read(p)
	if n > 0 {
		if waitErr := r.rate.WaitN(r.ctx, n); waitErr != nil {
			return n, waitErr
		}
	}
	return
}

func (w *rateWriter) Write(p []byte) (n int, err error) {
	if err = w.rate.WaitN(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.underlying.Write(p)
}
