// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package resource

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/otaimage/otaimage/lib/blob"
	"github.com/otaimage/otaimage/lib/compress"
	"github.com/otaimage/otaimage/lib/config"
	"github.com/otaimage/otaimage/lib/imgerr"
)

// Options configures Build.
type Options struct {
	Filters config.FiltersConfig

	// Workers bounds parallel compression.
	Workers int

	// TempDir holds compression output until it is stored. Empty means
	// the system temporary directory.
	TempDir string

	// Protected blobs are read directly by digest (manifests, configs,
	// file tables) and are never filtered or removed.
	Protected []digest.Digest

	Logger *slog.Logger
}

// Summary reports what Build did.
type Summary struct {
	Bundles    int `json:"bundles"`
	Bundled    int `json:"bundled"`
	Compressed int `json:"compressed"`
	Sliced     int `json:"sliced"`
	Slices     int `json:"slices"`
}

// builder carries the state shared by the three filter passes.
type builder struct {
	ctx       context.Context
	store     blob.Store
	options   Options
	logger    *slog.Logger
	table     *Table
	protected map[digest.Digest]bool
	summary   Summary

	// derived lists blobs created by earlier passes that later passes
	// may filter further.
	derived []digest.Digest
}

// Build runs the bundle, compression and slice filters over payload
// and returns the resource table. Filtered blobs are removed from the
// store once their replacement is stored. Processing follows digest
// order, so identical inputs produce identical tables and blobs.
func Build(ctx context.Context, store blob.Store, payload []digest.Digest, options Options) (*Table, Summary, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &builder{
		ctx:       ctx,
		store:     store,
		options:   options,
		logger:    logger,
		table:     NewTable(),
		protected: make(map[digest.Digest]bool, len(options.Protected)),
	}
	for _, d := range options.Protected {
		b.protected[d] = true
	}

	candidates := slices.Clone(payload)
	slices.Sort(candidates)
	candidates = slices.Compact(candidates)

	if !options.Filters.Bundle.Skip {
		if err := b.bundle(candidates); err != nil {
			return nil, Summary{}, err
		}
	}
	if !options.Filters.Compression.Skip {
		if err := b.compress(candidates); err != nil {
			return nil, Summary{}, err
		}
	}
	if !options.Filters.Slice.Skip {
		all := append(slices.Clone(candidates), b.derived...)
		slices.Sort(all)
		if err := b.slice(slices.Compact(all)); err != nil {
			return nil, Summary{}, err
		}
	}

	logger.Info("applied storage filters",
		"bundles", b.summary.Bundles,
		"bundled", b.summary.Bundled,
		"compressed", b.summary.Compressed,
		"sliced", b.summary.Sliced,
	)
	return b.table, b.summary, nil
}

// eligible returns the size of d if it is still a plain, unprotected
// blob, or -1.
func (b *builder) eligible(d digest.Digest) (int64, error) {
	if b.protected[d] {
		return -1, nil
	}
	if _, filtered := b.table.Records[d]; filtered {
		return -1, nil
	}
	size, err := b.store.Stat(d)
	if err != nil {
		return -1, err
	}
	return size, nil
}

// retire removes a blob that now has a record. The resolver always
// consults the record first, so the raw blob is no longer read.
func (b *builder) retire(d digest.Digest) error {
	if b.protected[d] {
		return nil
	}
	if err := b.store.Remove(d); err != nil && imgerr.KindOf(err) != imgerr.KindNotFound {
		return err
	}
	return nil
}

type bundleMember struct {
	digest digest.Digest
	offset int64
	length int64
}

func (b *builder) bundle(candidates []digest.Digest) error {
	settings := b.options.Filters.Bundle
	var (
		buffer          bytes.Buffer
		members         []bundleMember
		totalCompressed int64
		limitReached    bool
	)

	flush := func() error {
		defer func() {
			buffer.Reset()
			members = members[:0]
		}()
		if len(members) == 0 {
			return nil
		}
		raw := buffer.Bytes()
		compressed, err := compress.Compress(raw, compress.Zstd, settings.Level)
		if err != nil {
			return imgerr.Validation("compressing bundle: %w", err)
		}
		saved := 1 - float64(len(compressed))/float64(len(raw))
		if saved < settings.MinCompressionRatio {
			b.logger.Debug("discarding poorly compressing bundle", "members", len(members), "saved", saved)
			return nil
		}
		if settings.TotalCompressedLimit > 0 && totalCompressed+int64(len(compressed)) > settings.TotalCompressedLimit {
			limitReached = true
			return nil
		}

		bundleDigest, err := blob.Compute(b.store.Algorithm(), raw)
		if err != nil {
			return imgerr.Validation("%w", err)
		}
		compressedDigest, err := b.store.Put(compressed)
		if err != nil {
			return err
		}
		b.table.Records[bundleDigest] = &Record{
			Size:       int64(len(raw)),
			Compressed: &Compressed{Digest: compressedDigest, Algorithm: compress.Zstd},
		}
		b.derived = append(b.derived, compressedDigest)
		for _, member := range members {
			b.table.Records[member.digest] = &Record{
				Size:    member.length,
				Bundled: &Bundled{Bundle: bundleDigest, Offset: member.offset, Length: member.length},
			}
			if err := b.retire(member.digest); err != nil {
				return err
			}
		}
		totalCompressed += int64(len(compressed))
		b.summary.Bundles++
		b.summary.Bundled += len(members)
		b.logger.Debug("stored bundle",
			"digest", bundleDigest,
			"members", len(members),
			"size", humanize.IBytes(uint64(len(raw))),
			"compressed", humanize.IBytes(uint64(len(compressed))),
		)
		return nil
	}

	for _, d := range candidates {
		if err := b.ctx.Err(); err != nil {
			return err
		}
		size, err := b.eligible(d)
		if err != nil {
			return err
		}
		if size <= settings.LowerBound || size > settings.UpperBound {
			continue
		}
		data, err := b.store.Get(d)
		if err != nil {
			return err
		}
		members = append(members, bundleMember{digest: d, offset: int64(buffer.Len()), length: int64(len(data))})
		buffer.Write(data)
		if int64(buffer.Len()) >= settings.BundleSize {
			if err := flush(); err != nil {
				return err
			}
			if limitReached {
				break
			}
		}
	}
	if limitReached {
		b.logger.Info("bundle size limit reached, remaining small blobs stay unbundled",
			"limit", humanize.IBytes(uint64(settings.TotalCompressedLimit)))
		return nil
	}
	return flush()
}

type compressResult struct {
	digest     digest.Digest
	size       int64
	compressed int64
}

func (b *builder) compress(candidates []digest.Digest) error {
	settings := b.options.Filters.Compression
	algorithm, err := compress.ParseAlgorithm(settings.Algorithm)
	if err != nil {
		return imgerr.Validation("%w", err)
	}

	var (
		selected []digest.Digest
		sizes    []int64
	)
	for _, d := range candidates {
		size, err := b.eligible(d)
		if err != nil {
			return err
		}
		if size > settings.LowerBound {
			selected = append(selected, d)
			sizes = append(sizes, size)
		}
	}

	results := make([]*compressResult, len(selected))
	group, groupContext := errgroup.WithContext(b.ctx)
	group.SetLimit(max(b.options.Workers, 1))
	for index, d := range selected {
		group.Go(func() error {
			if err := groupContext.Err(); err != nil {
				return err
			}
			result, err := b.compressBlob(d, sizes[index], algorithm)
			if err != nil {
				return err
			}
			results[index] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for index, d := range selected {
		result := results[index]
		if result == nil {
			continue
		}
		b.table.Records[d] = &Record{
			Size:       result.size,
			Compressed: &Compressed{Digest: result.digest, Algorithm: algorithm},
		}
		b.derived = append(b.derived, result.digest)
		if err := b.retire(d); err != nil {
			return err
		}
		b.summary.Compressed++
	}
	return nil
}

// compressBlob streams d through the encoder into a temporary file and
// stores the result if it meets the minimum ratio. A nil result means
// the blob stays uncompressed.
func (b *builder) compressBlob(d digest.Digest, size int64, algorithm compress.Algorithm) (*compressResult, error) {
	settings := b.options.Filters.Compression
	source, err := b.store.Open(d)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	temp, err := os.CreateTemp(b.options.TempDir, blob.TempPrefix+"compress-*")
	if err != nil {
		return nil, imgerr.IO("creating compression file: %w", err)
	}
	defer os.Remove(temp.Name())
	defer temp.Close()

	encoder, err := compress.NewWriter(temp, algorithm, settings.Level)
	if err != nil {
		return nil, imgerr.Validation("compressing %s: %w", d, err)
	}
	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		if imgerr.KindOf(err) != "" {
			return nil, err
		}
		return nil, imgerr.IO("compressing %s: %w", d, err)
	}
	if err := encoder.Close(); err != nil {
		return nil, imgerr.IO("compressing %s: %w", d, err)
	}
	info, err := temp.Stat()
	if err != nil {
		return nil, imgerr.IO("compressing %s: %w", d, err)
	}
	compressed := info.Size()
	if compressed == 0 || float64(size)/float64(compressed) < settings.MinRatio {
		return nil, nil
	}

	compressedDigest, _, err := b.store.PutFile(temp.Name())
	if err != nil {
		return nil, err
	}
	return &compressResult{digest: compressedDigest, size: size, compressed: compressed}, nil
}

func (b *builder) slice(candidates []digest.Digest) error {
	sliceSize := b.options.Filters.Slice.SliceSize
	for _, d := range candidates {
		if err := b.ctx.Err(); err != nil {
			return err
		}
		size, err := b.eligible(d)
		if err != nil {
			if imgerr.KindOf(err) == imgerr.KindNotFound {
				continue
			}
			return err
		}
		if size <= 2*sliceSize {
			continue
		}
		pieces, err := b.sliceBlob(d, SliceLengths(size, sliceSize))
		if err != nil {
			return err
		}
		b.table.Records[d] = &Record{Size: size, Sliced: &Sliced{Slices: pieces}}
		if err := b.retire(d); err != nil {
			return err
		}
		b.summary.Sliced++
		b.summary.Slices += len(pieces)
	}
	return nil
}

func (b *builder) sliceBlob(d digest.Digest, lengths []int64) ([]digest.Digest, error) {
	reader, err := b.store.Open(d)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	pieces := make([]digest.Digest, 0, len(lengths))
	for _, length := range lengths {
		piece := make([]byte, length)
		if _, err := io.ReadFull(reader, piece); err != nil {
			return nil, imgerr.IO("reading %s for slicing: %w", d, err)
		}
		pieceDigest, err := b.store.Put(piece)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, pieceDigest)
	}
	// Drain to EOF so the verifying reader checks the whole blob.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return nil, err
	}
	return pieces, nil
}

// SliceLengths splits size into slices of sliceSize. A remainder of up
// to half a slice is folded into the last slice; a larger remainder
// becomes its own slice.
func SliceLengths(size, sliceSize int64) []int64 {
	count := size / sliceSize
	remainder := size % sliceSize
	lengths := make([]int64, count, count+1)
	for i := range lengths {
		lengths[i] = sliceSize
	}
	switch {
	case remainder == 0:
	case count > 0 && remainder <= sliceSize/2:
		lengths[count-1] += remainder
	default:
		lengths = append(lengths, remainder)
	}
	return lengths
}
