package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	blobstore "github.com/blobstore-go/blobstore"
	"github.com/blobstore-go/blobstore/backend"
	"github.com/blobstore-go/blobstore/internal/logging"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blobctl",
	Short: "Inspect and drive a blobstore-backed device",
	Long: `blobctl formats, loads, and manipulates a blobstore contained in a
regular file, useful for development and scripted testing without a
real block device underneath it.`,
}

func init() {
	rootCmd.PersistentFlags().String("file", "blobstore.img", "backing file for the blobstore")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable debug logging")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(catCmd)
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(rmCmd)
}

func initLogging() {
	verbose, _ := rootCmd.PersistentFlags().GetBool("verbose")
	level := logging.InfoLevel
	if verbose {
		level = logging.DebugLevel
	}
	logging.SetDefault(logging.New(logging.Config{Level: level}))
}

func openFileDevice(cmd *cobra.Command, createSize int64) (*backend.File, error) {
	path, _ := cmd.Flags().GetString("file")
	size := createSize
	if size == 0 {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		size = info.Size()
	}
	return backend.OpenFile(path, size, 512)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Format the backing file as a fresh, empty blobstore",
	RunE: func(cmd *cobra.Command, args []string) error {
		sizeStr, _ := cmd.Flags().GetString("size")
		size, err := parseSize(sizeStr)
		if err != nil {
			return fmt.Errorf("invalid --size %q: %w", sizeStr, err)
		}

		dev, err := openFileDevice(cmd, size)
		if err != nil {
			return err
		}
		defer dev.Destroy()

		bs, err := blobstore.Init(dev, blobstore.Options{})
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		fmt.Printf("initialized blobstore: %d clusters of %d bytes, %d free\n",
			bs.TotalDataClusterCount(), bs.GetClusterSize(), bs.FreeClusterCount())
		return bs.Unload()
	},
}

func init() {
	initCmd.Flags().String("size", "64M", "device size to format (e.g. 64M, 1G)")
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print summary statistics about a loaded blobstore",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openFileDevice(cmd, 0)
		if err != nil {
			return err
		}
		defer dev.Destroy()

		bs, err := blobstore.Load(dev, blobstore.Options{})
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer bs.Unload()

		fmt.Printf("cluster size:    %d\n", bs.GetClusterSize())
		fmt.Printf("total clusters:  %d\n", bs.TotalDataClusterCount())
		fmt.Printf("free clusters:   %d\n", bs.FreeClusterCount())
		fmt.Printf("super blob:      %d\n", bs.GetSuper())
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new blob and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		clusters, _ := cmd.Flags().GetUint64("clusters")
		thin, _ := cmd.Flags().GetBool("thin")

		dev, err := openFileDevice(cmd, 0)
		if err != nil {
			return err
		}
		defer dev.Destroy()

		bs, err := blobstore.Load(dev, blobstore.Options{})
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer bs.Unload()

		id, err := bs.CreateBlob(blobstore.CreateBlobOpts{NumClusters: clusters, ThinProvision: thin})
		if err != nil {
			return fmt.Errorf("create_blob: %w", err)
		}
		fmt.Printf("%d\n", id)
		return nil
	},
}

func init() {
	createCmd.Flags().Uint64("clusters", 0, "number of clusters to preallocate")
	createCmd.Flags().Bool("thin", false, "thin-provision the blob")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every blob currently known to the blobstore",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openFileDevice(cmd, 0)
		if err != nil {
			return err
		}
		defer dev.Destroy()

		bs, err := blobstore.Load(dev, blobstore.Options{})
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer bs.Unload()

		it, err := bs.IterFirst()
		if err != nil {
			return fmt.Errorf("iter_first: %w", err)
		}
		defer it.Close()

		fmt.Printf("%-12s %-12s %-10s %s\n", "ID", "CLUSTERS", "THIN", "PARENT")
		for b := it.Blob(); b != nil; b = it.Blob() {
			parent := "-"
			if b.ParentID() != blobstore.InvalidBlobID {
				parent = strconv.FormatUint(uint64(b.ParentID()), 10)
			}
			fmt.Printf("%-12d %-12d %-10v %s\n", b.ID(), b.NumClusters(), b.IsThinProvisioned(), parent)
			if _, err := it.Next(); err != nil {
				return fmt.Errorf("iter_next: %w", err)
			}
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat ID",
	Short: "Print a blob's contents as hex to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid blob id %q: %w", args[0], err)
		}

		dev, err := openFileDevice(cmd, 0)
		if err != nil {
			return err
		}
		defer dev.Destroy()

		bs, err := blobstore.Load(dev, blobstore.Options{})
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer bs.Unload()

		b, err := bs.OpenBlob(blobstore.BlobID(id), blobstore.OpenBlobOpts{ReadOnly: true})
		if err != nil {
			return fmt.Errorf("open_blob: %w", err)
		}
		defer bs.CloseBlob(b)

		ch, err := bs.AllocIOChannel()
		if err != nil {
			return fmt.Errorf("alloc_io_channel: %w", err)
		}
		defer bs.FreeIOChannel(ch)

		total := b.NumClusters() * uint64(bs.GetClusterSize())
		pages := total / uint64(bs.GetPageSize())
		buf := make([]byte, total)
		if err := bs.ReadBlob(b, ch, buf, 0, pages); err != nil {
			return fmt.Errorf("read_blob: %w", err)
		}
		fmt.Println(hex.EncodeToString(buf))
		return nil
	},
}

var putCmd = &cobra.Command{
	Use:   "put ID",
	Short: "Write the hex-encoded --hex payload into a blob at offset 0",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid blob id %q: %w", args[0], err)
		}
		hexStr, _ := cmd.Flags().GetString("hex")
		data, err := hex.DecodeString(hexStr)
		if err != nil {
			return fmt.Errorf("invalid --hex payload: %w", err)
		}

		dev, err := openFileDevice(cmd, 0)
		if err != nil {
			return err
		}
		defer dev.Destroy()

		bs, err := blobstore.Load(dev, blobstore.Options{})
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer bs.Unload()

		b, err := bs.OpenBlob(blobstore.BlobID(id), blobstore.OpenBlobOpts{})
		if err != nil {
			return fmt.Errorf("open_blob: %w", err)
		}
		defer bs.CloseBlob(b)

		pageSize := uint64(bs.GetPageSize())
		pages := (uint64(len(data)) + pageSize - 1) / pageSize
		needClusters := (pages*pageSize + uint64(bs.GetClusterSize()) - 1) / uint64(bs.GetClusterSize())
		if b.NumClusters() < needClusters {
			if err := bs.ResizeBlob(b, needClusters); err != nil {
				return fmt.Errorf("resize_blob: %w", err)
			}
		}
		padded := make([]byte, pages*pageSize)
		copy(padded, data)

		ch, err := bs.AllocIOChannel()
		if err != nil {
			return fmt.Errorf("alloc_io_channel: %w", err)
		}
		defer bs.FreeIOChannel(ch)

		if err := bs.WriteBlob(b, ch, padded, 0, pages); err != nil {
			return fmt.Errorf("write_blob: %w", err)
		}
		if err := bs.SyncBlob(b); err != nil {
			return fmt.Errorf("sync_blob: %w", err)
		}
		fmt.Printf("wrote %d bytes to blob %d\n", len(data), id)
		return nil
	},
}

func init() {
	putCmd.Flags().String("hex", "", "hex-encoded payload to write (required)")
	putCmd.MarkFlagRequired("hex")
}

var rmCmd = &cobra.Command{
	Use:   "rm ID",
	Short: "Delete a blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid blob id %q: %w", args[0], err)
		}

		dev, err := openFileDevice(cmd, 0)
		if err != nil {
			return err
		}
		defer dev.Destroy()

		bs, err := blobstore.Load(dev, blobstore.Options{})
		if err != nil {
			return fmt.Errorf("load: %w", err)
		}
		defer bs.Unload()

		if err := bs.DeleteBlob(blobstore.BlobID(id)); err != nil {
			return fmt.Errorf("delete_blob: %w", err)
		}
		fmt.Printf("deleted blob %d\n", id)
		return nil
	},
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	numPart := s
	switch s[len(s)-1] {
	case 'K', 'k':
		mult = 1024
		numPart = s[:len(s)-1]
	case 'M', 'm':
		mult = 1024 * 1024
		numPart = s[:len(s)-1]
	case 'G', 'g':
		mult = 1024 * 1024 * 1024
		numPart = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}
