// SPDX-License-Identifier: MIT
package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"
)

/*
Checkpoint layout (little endian):

	magic    [4]byte  "DNAE"
	version  uint32   1
	layers   uint32   L
	widths   [L]uint32
	then, per dense layer: weights (mat.Dense binary), bias (mat.VecDense binary)

Only parameters are stored; optimiser state starts fresh after Load.
*/
var checkpointMagic = [4]byte{'D', 'N', 'A', 'E'}

const checkpointVersion = 1

// ErrCheckpoint reports a checkpoint that does not fit the network.
var ErrCheckpoint = errors.New("model: incompatible checkpoint")

// Save writes the network parameters to w.
func (ae *AutoEncoder) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)

	header := []uint32{checkpointVersion, uint32(len(ae.cfg.Layers))}
	for _, n := range ae.cfg.Layers {
		header = append(header, uint32(n))
	}
	if _, err := bw.Write(checkpointMagic[:]); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return err
	}

	for i, l := range ae.layers {
		if _, err := l.w.MarshalBinaryTo(bw); err != nil {
			return fmt.Errorf("model: save layer %d weights: %w", i, err)
		}
		if _, err := l.b.MarshalBinaryTo(bw); err != nil {
			return fmt.Errorf("model: save layer %d bias: %w", i, err)
		}
	}
	return bw.Flush()
}

// Load replaces the network parameters with those read from r. The stored
// layer widths must equal the network's.
func (ae *AutoEncoder) Load(r io.Reader) error {
	br := bufio.NewReader(r)

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return fmt.Errorf("%w: read header: %v", ErrCheckpoint, err)
	}
	if magic != checkpointMagic {
		return fmt.Errorf("%w: bad magic %q", ErrCheckpoint, magic[:])
	}
	var version, count uint32
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return fmt.Errorf("%w: read version: %v", ErrCheckpoint, err)
	}
	if version != checkpointVersion {
		return fmt.Errorf("%w: version %d", ErrCheckpoint, version)
	}
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("%w: read layer count: %v", ErrCheckpoint, err)
	}
	if int(count) != len(ae.cfg.Layers) {
		return fmt.Errorf("%w: %d layers, network has %d", ErrCheckpoint, count, len(ae.cfg.Layers))
	}
	widths := make([]uint32, count)
	if err := binary.Read(br, binary.LittleEndian, widths); err != nil {
		return fmt.Errorf("%w: read widths: %v", ErrCheckpoint, err)
	}
	for i, n := range widths {
		if int(n) != ae.cfg.Layers[i] {
			return fmt.Errorf("%w: layer %d width %d, network has %d", ErrCheckpoint, i, n, ae.cfg.Layers[i])
		}
	}

	// Decode everything before touching the live parameters.
	loaded := make([]*dense, len(ae.layers))
	for i := range ae.layers {
		in, out := ae.cfg.Layers[i], ae.cfg.Layers[i+1]

		var w mat.Dense
		if _, err := w.UnmarshalBinaryFrom(br); err != nil {
			return fmt.Errorf("%w: layer %d weights: %v", ErrCheckpoint, i, err)
		}
		if r, c := w.Dims(); r != in || c != out {
			return fmt.Errorf("%w: layer %d weights are %dx%d, want %dx%d", ErrCheckpoint, i, r, c, in, out)
		}
		var b mat.VecDense
		if _, err := b.UnmarshalBinaryFrom(br); err != nil {
			return fmt.Errorf("%w: layer %d bias: %v", ErrCheckpoint, i, err)
		}
		if b.Len() != out {
			return fmt.Errorf("%w: layer %d bias has %d entries, want %d", ErrCheckpoint, i, b.Len(), out)
		}
		loaded[i] = newDense(&w, &b)
	}

	ae.layers = loaded
	ae.step = 0
	return nil
}
