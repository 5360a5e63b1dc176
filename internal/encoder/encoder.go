// Package encoder converts typed values into the byte representation a
// directory server expects on the wire.
package encoder

import (
	"crypto/x509"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
	"github.com/jcmturner/gokrb5/v8/types"
)

// GeneralizedTime is the LDAP GeneralizedTime layout used for timestamps.
const GeneralizedTime = "20060102150405Z"

var (
	trueToken  = []byte("TRUE")
	falseToken = []byte("FALSE")
)

// DNSName is a domain name. It encodes as ASCII in lower case.
type DNSName string

// Principal is a Kerberos principal in its textual form, e.g.
// "ipatuura/host.ipa.test@IPA.TEST".
type Principal string

// UnsupportedAttributeTypeError is returned for values the encoder has no
// mapping for. It indicates a programming error in the caller.
type UnsupportedAttributeTypeError struct {
	Value any
	Type  string
}

func (e *UnsupportedAttributeTypeError) Error() string {
	return fmt.Sprintf("attempt to pass unsupported type to ldap, value=%v type=%s", e.Value, e.Type)
}

// Encode returns the wire form of v:
//
//   - scalars become []byte
//   - slices and arrays become []any, element-wise and in order
//   - maps with string keys become map[string]any with encoded values
//   - nil becomes nil
func Encode(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if val {
			return trueToken, nil
		}
		return falseToken, nil
	case string:
		return []byte(val), nil
	case []byte:
		return val, nil
	case int:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case int8:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case int16:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case int32:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case uint:
		return []byte(strconv.FormatUint(uint64(val), 10)), nil
	case uint8:
		return []byte(strconv.FormatUint(uint64(val), 10)), nil
	case uint16:
		return []byte(strconv.FormatUint(uint64(val), 10)), nil
	case uint32:
		return []byte(strconv.FormatUint(uint64(val), 10)), nil
	case uint64:
		return []byte(strconv.FormatUint(val, 10)), nil
	case float32:
		return []byte(strconv.FormatFloat(float64(val), 'f', -1, 32)), nil
	case float64:
		return []byte(strconv.FormatFloat(val, 'f', -1, 64)), nil
	case *big.Int:
		if val == nil {
			return nil, nil
		}
		return []byte(val.String()), nil
	case *big.Float:
		if val == nil {
			return nil, nil
		}
		return []byte(val.Text('f', -1)), nil
	case *big.Rat:
		if val == nil {
			return nil, nil
		}
		return []byte(val.RatString()), nil
	case *ldap.DN:
		if val == nil {
			return nil, nil
		}
		return []byte(val.String()), nil
	case ldap.DN:
		return []byte(val.String()), nil
	case Principal:
		return []byte(string(val)), nil
	case types.PrincipalName:
		return []byte(val.PrincipalNameString()), nil
	case objectsid.SID:
		return []byte(val.String()), nil
	case DNSName:
		return encodeDNSName(val)
	case time.Time:
		return []byte(val.UTC().Format(GeneralizedTime)), nil
	case *time.Time:
		if val == nil {
			return nil, nil
		}
		return []byte(val.UTC().Format(GeneralizedTime)), nil
	case *x509.Certificate:
		if val == nil {
			return nil, nil
		}
		return val.Raw, nil
	}

	return encodeReflect(v)
}

func encodeDNSName(name DNSName) (any, error) {
	text := strings.TrimSuffix(strings.ToLower(string(name)), ".")
	for i := 0; i < len(text); i++ {
		if text[i] >= utf8.RuneSelf {
			return nil, fmt.Errorf("dns name %q is not ASCII", string(name))
		}
	}
	return []byte(text), nil
}

func encodeReflect(v any) (any, error) {
	rv := reflect.ValueOf(v)

	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return Encode(rv.Elem().Interface())

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		out := make([]any, rv.Len())
		for i := range rv.Len() {
			enc, err := Encode(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		if rv.IsNil() {
			return nil, nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := Encode(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	}

	return nil, &UnsupportedAttributeTypeError{Value: v, Type: fmt.Sprintf("%T", v)}
}

// Values encodes v and flattens the result into the []string form used for
// go-ldap attribute values. A nil result yields no values.
func Values(v any) ([]string, error) {
	enc, err := Encode(v)
	if err != nil {
		return nil, err
	}

	switch val := enc.(type) {
	case nil:
		return nil, nil
	case []byte:
		return []string{string(val)}, nil
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			switch b := item.(type) {
			case nil:
			case []byte:
				out = append(out, string(b))
			default:
				return nil, &UnsupportedAttributeTypeError{Value: item, Type: fmt.Sprintf("%T", item)}
			}
		}
		return out, nil
	default:
		return nil, &UnsupportedAttributeTypeError{Value: v, Type: fmt.Sprintf("%T", v)}
	}
}
