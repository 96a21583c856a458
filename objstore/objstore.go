// Copyright 2023 The CubeFS Authors.
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

package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	BackendS3         = "s3"
	BackendFilesystem = "filesystem"
)

var ErrObjectNotFound = errors.New("object not found")

// Backend is the object storage used by the archiver and snapshotter. Keys
// are slash-separated; List returns keys under a prefix in lexical order.
type Backend interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

type Config struct {
	Backend string `json:"backend"`

	S3         S3Config         `json:"s3"`
	Filesystem FilesystemConfig `json:"filesystem"`
}

func New(ctx context.Context, cfg *Config) (Backend, error) {
	switch cfg.Backend {
	case BackendS3:
		return newS3Backend(ctx, &cfg.S3)
	case BackendFilesystem, "":
		return newFilesystemBackend(&cfg.Filesystem)
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}
