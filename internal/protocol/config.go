package protocol

import (
	"strings"

	"github.com/pkg/errors"
)

// CodecNameMapping 编码器名称到类型的映射
var CodecNameMapping = map[string]int{
	Json:     CodecJson,
	Protobuf: CodecProtobuf,
	"pb":     CodecProtobuf,
}

// CodecTypeMapping 编码器类型到名称的映射
var CodecTypeMapping = map[int]string{
	CodecJson:     Json,
	CodecProtobuf: Protobuf,
}

// CodecByName 根据名称获取编码器类型
func CodecByName(name string) (int, error) {
	if cc, ok := CodecNameMapping[strings.ToLower(strings.TrimSpace(name))]; ok {
		return cc, nil
	}
	return -1, errors.Errorf("unsupported codec name: %s", name)
}

// IsCodecSupported 检查编码器是否支持
func IsCodecSupported(codecType int) bool {
	_, exists := codecFactories[codecType]
	return exists
}
