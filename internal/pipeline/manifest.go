package pipeline

import (
	"encoding/json"
	"io"

	"lminterp/pkg/contract"
	"lminterp/pkg/ngram"
)

// manifest 随输出一起提交，供下游装配阶段核对记录布局。
type manifest struct {
	FormatVersion int      `json:"format_version"`
	MaxOrder      int      `json:"max_order"`
	Models        []string `json:"models"`
	VocabSize     int      `json:"vocab_size"`
	DepthBits     uint     `json:"depth_bits"`
	DepthBytes    int      `json:"depth_bytes"`
	Sentinel      bool     `json:"sentinel"`
}

func manifestID(prefix string) contract.ArtifactID { return contract.ArtifactID(prefix + ".meta") }

func newManifest(set Settings, vocabSize int, packer ngram.DepthPacker) manifest {
	names := make([]string, len(set.Models))
	for i, m := range set.Models {
		names[i] = m.Name
	}
	return manifest{
		FormatVersion: ngram.FormatVersion,
		MaxOrder:      set.MaxOrder,
		Models:        names,
		VocabSize:     vocabSize,
		DepthBits:     packer.Bits(),
		DepthBytes:    packer.Bytes(),
		Sentinel:      set.Sentinel,
	}
}

func (m manifest) write(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}
