package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize 将请求参数规范化为确定性的 JSON：
// key 升序排列、字符串去除首尾空白、整数值的浮点数折叠为整数。
// 同一逻辑请求无论参数顺序如何，产出完全相同的字节串。
func Canonicalize(params map[string]interface{}) (string, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	norm, err := normalizeValue(params)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := writeValue(&sb, norm); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Compute 计算 (operation_type, provider_id, canonical params) 的去重指纹
func Compute(operationType, providerID, canonicalParams string) string {
	h := sha256.New()
	h.Write([]byte(operationType))
	h.Write([]byte{0})
	h.Write([]byte(providerID))
	h.Write([]byte{0})
	h.Write([]byte(canonicalParams))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool, string, int, int64, uint64:
		if s, ok := t.(string); ok {
			return strings.TrimSpace(s), nil
		}
		return t, nil
	case float64:
		// JSON 反序列化的数字统一走这里；整数值折叠成 int64
		if t == math.Trunc(t) && !math.IsInf(t, 0) && math.Abs(t) < 1<<53 {
			return int64(t), nil
		}
		return t, nil
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, err
		}
		return normalizeValue(f)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			nv, err := normalizeValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			nv, err := normalizeValue(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported param type %T", v)
	}
}

// writeValue 手工序列化，保证 map key 有序且无多余空白
func writeValue(sb *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case nil:
		sb.WriteString("null")
	case bool:
		sb.WriteString(strconv.FormatBool(t))
	case string:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		sb.Write(b)
	case int:
		sb.WriteString(strconv.Itoa(t))
	case int64:
		sb.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		sb.WriteString(strconv.FormatUint(t, 10))
	case float64:
		sb.WriteString(strconv.FormatFloat(t, 'g', -1, 64))
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeValue(sb, t[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeValue(sb, el); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		return fmt.Errorf("unsupported param type %T", v)
	}
	return nil
}
