package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/c360/stagegrid/descriptor"
	"github.com/c360/stagegrid/errors"
	"github.com/c360/stagegrid/fileset"
	"github.com/c360/stagegrid/flowqueue"
)

// Built-in stage kinds
const (
	KindFileRead    = "fileread"
	KindFileWrite   = "filewrite"
	KindPassthrough = "passthrough"
	KindDigest      = "digest"
	KindDiscard     = "discard"
)

// MetaDigest is the Meta key set by the digest stage.
const MetaDigest = "sha256"

func builtins() []Registration {
	return []Registration{
		{Kind: KindFileRead, Description: "reads the local partition of a numbered fileset", Factory: newFileRead},
		{Kind: KindFileWrite, Description: "writes items into a directory", Factory: newFileWrite},
		{Kind: KindPassthrough, Description: "forwards items unchanged", Factory: newPassthrough},
		{Kind: KindDigest, Description: "adds the sha256 of the item data to its metadata", Factory: newDigest},
		{Kind: KindDiscard, Description: "consumes and drops items", Factory: newDiscard},
	}
}

// consume reads in until it is drained, timing waits as idle time.
func consume(ctx context.Context, in flowqueue.Queue[Item], stats *descriptor.Counters, fn func(Item) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		waitStart := time.Now()
		item, err := in.Get()
		stats.Idle(time.Since(waitStart))
		if err != nil {
			if flowqueue.Failed(err) {
				return err
			}
			if flowqueue.Drained(in, err) {
				return nil
			}
			continue
		}
		if err := fn(item); err != nil {
			return err
		}
	}
}

func newFileRead(desc descriptor.StageDescriptor, env *Environment) (Stage, error) {
	if desc.Fileset == nil {
		return nil, fmt.Errorf("%w: %s stage %q has no fileset", errors.ErrConfiguration, KindFileRead, desc.Name)
	}
	fs := *desc.Fileset
	logger := env.Logger.With("stage", desc.Name)

	return StageFunc(func(ctx context.Context, _, out flowqueue.Queue[Item], stats *descriptor.Counters) error {
		indices, err := fileset.Indices(fs)
		if err != nil {
			return errors.WrapTransient(err, "fileread", "Run", "list fileset")
		}
		logger.Debug("Reading fileset", "dir", fs.Dir, "files", len(indices))

		for _, i := range indices {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			name := fs.FileName(i)
			data, err := os.ReadFile(fileset.Path(fs, i))
			if err != nil {
				return errors.WrapTransient(err, "fileread", "Run", "read "+name)
			}
			if err := out.Put(Item{Name: name, Index: i, Data: data}); err != nil {
				return errors.Wrap(err, "fileread", "Run", "put item")
			}
			stats.Item(0, int64(len(data)), time.Since(start))
		}
		return nil
	}), nil
}

func newFileWrite(desc descriptor.StageDescriptor, env *Environment) (Stage, error) {
	dir := desc.Option("dir", "")
	if dir == "" {
		return nil, fmt.Errorf("%w: %s stage %q requires option dir", errors.ErrConfiguration, KindFileWrite, desc.Name)
	}
	logger := env.Logger.With("stage", desc.Name)

	return StageFunc(func(ctx context.Context, in, _ flowqueue.Queue[Item], stats *descriptor.Counters) error {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.WrapTransient(err, "filewrite", "Run", "create "+dir)
		}
		written := 0
		err := consume(ctx, in, stats, func(item Item) error {
			start := time.Now()
			path := filepath.Join(dir, filepath.Base(item.Name))
			if err := os.WriteFile(path, item.Data, 0o644); err != nil {
				return errors.WrapTransient(err, "filewrite", "Run", "write "+path)
			}
			written++
			stats.Item(int64(len(item.Data)), 0, time.Since(start))
			return nil
		})
		logger.Debug("Wrote items", "dir", dir, "count", written)
		return err
	}), nil
}

func forward(transform func(Item) Item) Factory {
	return func(descriptor.StageDescriptor, *Environment) (Stage, error) {
		return StageFunc(func(ctx context.Context, in, out flowqueue.Queue[Item], stats *descriptor.Counters) error {
			return consume(ctx, in, stats, func(item Item) error {
				start := time.Now()
				size := int64(len(item.Data))
				item = transform(item)
				if err := out.Put(item); err != nil {
					return errors.Wrap(err, "forward", "Run", "put item")
				}
				stats.Item(size, int64(len(item.Data)), time.Since(start))
				return nil
			})
		}), nil
	}
}

func newPassthrough(desc descriptor.StageDescriptor, env *Environment) (Stage, error) {
	return forward(func(item Item) Item { return item })(desc, env)
}

func newDigest(desc descriptor.StageDescriptor, env *Environment) (Stage, error) {
	return forward(func(item Item) Item {
		sum := sha256.Sum256(item.Data)
		meta := make(map[string]string, len(item.Meta)+1)
		for k, v := range item.Meta {
			meta[k] = v
		}
		meta[MetaDigest] = hex.EncodeToString(sum[:])
		item.Meta = meta
		return item
	})(desc, env)
}

func newDiscard(descriptor.StageDescriptor, *Environment) (Stage, error) {
	return StageFunc(func(ctx context.Context, in, _ flowqueue.Queue[Item], stats *descriptor.Counters) error {
		return consume(ctx, in, stats, func(item Item) error {
			stats.Item(int64(len(item.Data)), 0, 0)
			return nil
		})
	}), nil
}
