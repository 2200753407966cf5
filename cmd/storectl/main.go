// Command storectl is a small maintenance CLI for a treestore
// database: store and load files, inspect and repoint roots, and run
// garbage collection, in the teacher's gopkg.in/urfave/cli.v1 style.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/vbauerster/mpb"
	"github.com/vbauerster/mpb/decor"
	"gopkg.in/urfave/cli.v1"

	"github.com/nonlocality/treestore/config"
	"github.com/nonlocality/treestore/internal/blockhash"
	"github.com/nonlocality/treestore/internal/xlog"
	"github.com/nonlocality/treestore/segmentedblob"
	"github.com/nonlocality/treestore/storage"
	"github.com/nonlocality/treestore/storage/loadcache"
	"github.com/nonlocality/treestore/storage/sqlitestore"
	"github.com/nonlocality/treestore/tree"
)

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Value: "storectl.toml",
	Usage: "path to the TOML configuration file",
}

func main() {
	app := cli.NewApp()
	app.Name = "storectl"
	app.Usage = "inspect and maintain a treestore database"
	app.Flags = []cli.Flag{configFlag}
	app.Commands = []cli.Command{
		initConfigCommand,
		storeCommand,
		loadCommand,
		rootsCommand,
		gcCommand,
		commitCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "storectl:", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.GlobalString(configFlag.Name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.Default(), nil
	}
	return config.Load(path)
}

func openEngine(c *cli.Context) (*sqlitestore.Storage, *loadcache.Cache, func() error, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := xlog.New("component", "storectl")
	engine, err := sqlitestore.Open(cfg.DatabasePath, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	cache, err := loadcache.New(engine, cfg.LoadCacheEntries, logger)
	if err != nil {
		engine.Close()
		return nil, nil, nil, err
	}
	return engine, cache, engine.Close, nil
}

var initConfigCommand = cli.Command{
	Name:  "init-config",
	Usage: "write a default configuration file",
	Action: func(c *cli.Context) error {
		path := c.GlobalString(configFlag.Name)
		return config.Save(path, config.Default())
	},
}

var storeCommand = cli.Command{
	Name:      "store",
	Usage:     "store a file's content and print its digest",
	ArgsUsage: "<path>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: storectl store <path>", 1)
		}
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		engine, cache, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()

		data, err := os.ReadFile(c.Args().Get(0))
		if err != nil {
			return err
		}

		ctx := context.Background()
		digest, err := storeBytes(ctx, cache, cfg.HashWorkerPoolSize, cfg.MaxChildrenPerTree, data)
		if err != nil {
			return err
		}
		if _, err := engine.CommitChanges(ctx); err != nil {
			return err
		}
		fmt.Println(digest)
		return nil
	},
}

// storeBytes splits data into BLOB_MAX-aligned blocks, hashes them
// concurrently, stores each leaf, and assembles a segmented blob when
// there is more than one.
func storeBytes(ctx context.Context, store storage.LoadStoreTree, workers, maxChildren int, data []byte) (tree.Digest, error) {
	pool := blockhash.New(workers)

	var raw [][]byte
	for i := 0; i < len(data); i += tree.BlobMax {
		end := i + tree.BlobMax
		if end > len(data) {
			end = len(data)
		}
		raw = append(raw, data[i:end])
	}
	if len(raw) == 0 {
		raw = [][]byte{nil}
	}

	hashed, err := pool.HashAll(ctx, raw)
	if err != nil {
		return tree.Digest{}, err
	}

	p := mpb.New(mpb.WithWidth(64))
	bar := p.AddBar(int64(len(hashed)),
		mpb.PrependDecorators(decor.Name("storing blocks")),
		mpb.AppendDecorators(decor.CountersNoUnit("%d / %d")),
	)

	digests := make([]tree.Digest, len(hashed))
	sizes := make([]uint64, len(hashed))
	for i, h := range hashed {
		ref, err := store.StoreTree(ctx, h)
		if err != nil {
			return tree.Digest{}, err
		}
		ref.Release()
		digests[i] = h.Digest()
		sizes[i] = uint64(len(raw[i]))
		bar.Increment()
	}
	p.Wait()

	if len(digests) == 1 {
		return digests[0], nil
	}
	return segmentedblob.Save(ctx, store, digests, sizes, maxChildren)
}

var loadCommand = cli.Command{
	Name:      "load",
	Usage:     "load content by digest and write it to stdout",
	ArgsUsage: "<digest>",
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return cli.NewExitError("usage: storectl load <digest>", 1)
		}
		digest, err := parseDigest(c.Args().Get(0))
		if err != nil {
			return err
		}
		_, cache, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		leaves, _, err := segmentedblob.Load(ctx, cache, digest)
		if err != nil {
			return err
		}
		for _, leaf := range leaves {
			loaded, err := cache.LoadTree(ctx, leaf)
			if err != nil {
				return err
			}
			hashed, ok := loaded.Tree.Hash()
			loaded.Ref.Release()
			if !ok {
				return storage.NewInconsistency(leaf, "load command: digest verification failed")
			}
			os.Stdout.Write(hashed.Tree().Blob().Bytes())
		}
		return nil
	},
}

var rootsCommand = cli.Command{
	Name:  "roots",
	Usage: "get or set a named root",
	Subcommands: []cli.Command{
		{
			Name:      "get",
			ArgsUsage: "<name>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("usage: storectl roots get <name>", 1)
				}
				engine, _, closeFn, err := openEngine(c)
				if err != nil {
					return err
				}
				defer closeFn()
				ref, digest, ok, err := engine.LoadRoot(context.Background(), c.Args().Get(0))
				if err != nil {
					return err
				}
				if !ok {
					return cli.NewExitError("no such root", 1)
				}
				ref.Release()
				fmt.Println(digest)
				return nil
			},
		},
		{
			Name:      "set",
			ArgsUsage: "<name> <digest>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 2 {
					return cli.NewExitError("usage: storectl roots set <name> <digest>", 1)
				}
				digest, err := parseDigest(c.Args().Get(1))
				if err != nil {
					return err
				}
				engine, _, closeFn, err := openEngine(c)
				if err != nil {
					return err
				}
				defer closeFn()
				ctx := context.Background()
				if err := engine.UpdateRoot(ctx, c.Args().Get(0), digest); err != nil {
					return err
				}
				_, err = engine.CommitChanges(ctx)
				return err
			},
		},
	},
}

var gcCommand = cli.Command{
	Name:  "gc",
	Usage: "run garbage collection sweeps until nothing more is collected",
	Action: func(c *cli.Context) error {
		engine, _, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()

		ctx := context.Background()
		var total uint64
		for {
			stats, err := engine.CollectSomeGarbage(ctx)
			if err != nil {
				return err
			}
			total += stats.TreesCollected
			if stats.TreesCollected == 0 {
				break
			}
		}
		fmt.Printf("collected %d trees\n", total)
		return nil
	},
}

var commitCommand = cli.Command{
	Name:  "commit",
	Usage: "flush any pending writes to durable storage",
	Action: func(c *cli.Context) error {
		engine, _, closeFn, err := openEngine(c)
		if err != nil {
			return err
		}
		defer closeFn()
		n, err := engine.CommitChanges(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("flushed %d writes\n", n)
		return nil
	},
}

func parseDigest(s string) (tree.Digest, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return tree.Digest{}, fmt.Errorf("invalid digest %q: %w", s, err)
	}
	digest, ok := tree.DigestFromBytes(raw)
	if !ok {
		return tree.Digest{}, fmt.Errorf("invalid digest %q: want %d bytes, got %d", s, tree.DigestSize, len(raw))
	}
	return digest, nil
}
