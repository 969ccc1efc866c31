// Copyright 2023 The Nebuchadnezzar Authors.
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

// Package limiter bounds the backup pipeline's replica IO: a count
// limit on concurrent readers/writers plus an MBPS rate on the bytes
// they move. Zero-valued limits disable the corresponding bound.
package limiter

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

type (
	Limiter interface {
		AcquireRead() error
		ReleaseRead()
		AcquireWrite() error
		ReleaseWrite()
		Reader(ctx context.Context, r io.Reader) LimitReader
		Writer(ctx context.Context, w io.Writer) LimitWriter
		SetReadConcurrency(value uint32)
		SetWriteConcurrency(value uint32)
	}
	LimitReader interface {
		WaitN(n int) error
		io.Reader
	}
	LimitWriter interface {
		WaitN(n int) error
		io.Writer
	}
	LimitConfig struct {
		ReadConcurrency  int
		WriteConcurrency int
		ReadMBPS         int
		WriteMBPS        int
	}

	reader struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Reader
	}
	writer struct {
		ctx        context.Context
		rate       *rate.Limiter
		underlying io.Writer
	}
	noopLimitReader struct {
		underlying io.Reader
	}
	noopLimitWriter struct {
		underlying io.Writer
	}
	limiter struct {
		readCountLimit  CountLimit
		writeCountLimit CountLimit
		rateReader      *rate.Limiter
		rateWriter      *rate.Limiter
	}
)

func NewLimiter(cfg LimitConfig) Limiter {
	mb := 1 << 20
	lim := &limiter{}
	if cfg.ReadConcurrency > 0 {
		lim.readCountLimit = NewCountLimit(cfg.ReadConcurrency)
	}
	if cfg.WriteConcurrency > 0 {
		lim.writeCountLimit = NewCountLimit(cfg.WriteConcurrency)
	}
	if cfg.ReadMBPS > 0 {
		lim.rateReader = rate.NewLimiter(rate.Limit(cfg.ReadMBPS*mb), cfg.ReadMBPS*mb)
	}
	if cfg.WriteMBPS > 0 {
		lim.rateWriter = rate.NewLimiter(rate.Limit(cfg.WriteMBPS*mb), cfg.WriteMBPS*mb)
	}
	return lim
}

func (r *reader) Read(p []byte) (n int, err error) {
	if err = r.rate.WaitN(r.ctx, len(p)); err != nil {
		return 0, err
	}
	return r.underlying.Read(p)
}

func (r *reader) WaitN(n int) error {
	return r.rate.WaitN(r.ctx, n)
}

func (w *writer) Write(p []byte) (n int, err error) {
	if err = w.rate.WaitN(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.underlying.Write(p)
}

func (w *writer) WaitN(n int) error {
	return w.rate.WaitN(w.ctx, n)
}

func (nr *noopLimitReader) Read(p []byte) (n int, err error) {
	return nr.underlying.Read(p)
}

func (nr *noopLimitReader) WaitN(n int) error {
	return nil
}

func (nw *noopLimitWriter) Write(p []byte) (n int, err error) {
	return nw.underlying.Write(p)
}

func (nw *noopLimitWriter) WaitN(n int) error {
	return nil
}

func (lim *limiter) AcquireRead() error {
	if lim.readCountLimit != nil {
		return lim.readCountLimit.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseRead() {
	if lim.readCountLimit != nil {
		lim.readCountLimit.Release()
	}
}

func (lim *limiter) AcquireWrite() error {
	if lim.writeCountLimit != nil {
		return lim.writeCountLimit.Acquire()
	}
	return nil
}

func (lim *limiter) ReleaseWrite() {
	if lim.writeCountLimit != nil {
		lim.writeCountLimit.Release()
	}
}

func (lim *limiter) Reader(ctx context.Context, r io.Reader) LimitReader {
	if lim.rateReader != nil {
		return &reader{ctx: ctx, rate: lim.rateReader, underlying: r}
	}
	return &noopLimitReader{underlying: r}
}

func (lim *limiter) Writer(ctx context.Context, w io.Writer) LimitWriter {
	if lim.rateWriter != nil {
		return &writer{ctx: ctx, rate: lim.rateWriter, underlying: w}
	}
	return &noopLimitWriter{underlying: w}
}

func (lim *limiter) SetReadConcurrency(value uint32) {
	if lim.readCountLimit != nil {
		lim.readCountLimit.SetLimit(value)
	}
}

func (lim *limiter) SetWriteConcurrency(value uint32) {
	if lim.writeCountLimit != nil {
		lim.writeCountLimit.SetLimit(value)
	}
}
