package registry

import (
	"bytes"
	"encoding/json"

	"lminterp/pkg/contract"
	rfs "lminterp/plugins/reader/filesystem"
	wfs "lminterp/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewOpener 工厂签名：接收原样 JSON Options。
type NewOpener func(raw json.RawMessage) (contract.Opener, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Opener 工厂注册表（显式、零反射）。
var Opener = map[string]NewOpener{
	// fs: 文件系统/STDIN，按扩展名透明解压
	"fs": func(raw json.RawMessage) (contract.Opener, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置，可选压缩）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}
