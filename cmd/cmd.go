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

package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/cubefs/cubefs/blobstore/common/config"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/shisoft/nebuchadnezzar/store"
	"github.com/shisoft/nebuchadnezzar/trunk"
)

// Config service config
type Config struct {
	store.Config

	MaxProcessors int       `json:"max_processors"`
	LogLevel      log.Level `json:"log_level"`
}

func main() {
	config.Init("f", "", "neb.json")

	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		log.Fatal(errors.Detail(err))
	}

	initConfig(cfg)
	log.SetOutputLevel(cfg.LogLevel)

	ctx := context.Background()
	node, err := store.NewNode(ctx, cfg.Config)
	if err != nil {
		log.Fatal(errors.Detail(err))
	}

	// wait for signal
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	<-ch

	node.Close(ctx)
}

func initConfig(cfg *Config) {
	if cfg.MaxProcessors > 0 {
		runtime.GOMAXPROCS(cfg.MaxProcessors)
	}
	if cfg.TrunksSize <= 0 {
		cfg.TrunksSize = 16 * trunk.SegmentSize
	}
	if cfg.MemorySize <= 0 {
		cfg.MemorySize = cfg.TrunksSize
	}
	if cfg.NodeCount <= 0 {
		cfg.NodeCount = 1
	}
	if cfg.Durability && len(cfg.Backup.Dirs) == 0 {
		log.Fatalf("durability enabled without backup dirs")
	}
}
