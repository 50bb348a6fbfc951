package abi

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainlake/internal/core/domain"
)

func decodeCall(method *gethabi.Method, args []byte) (*domain.DecodedFunction, error) {
	values, err := method.Inputs.Unpack(args)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method.Sig, err)
	}
	if len(values) != len(method.Inputs) {
		return nil, fmt.Errorf("unpack %s: got %d values for %d inputs", method.Sig, len(values), len(method.Inputs))
	}

	params := make([]domain.DecodedParameter, len(values))
	for i, arg := range method.Inputs {
		raw, err := gethabi.Arguments{{Type: arg.Type}}.Pack(values[i])
		if err != nil {
			return nil, fmt.Errorf("re-encode %s: %w", arg.Name, err)
		}
		name := arg.Name
		if name == "" {
			name = "param" + strconv.Itoa(i)
		}
		params[i] = domain.DecodedParameter{
			Name:     name,
			Type:     arg.Type.String(),
			Value:    formatValue(arg.Type, reflect.ValueOf(values[i])),
			RawValue: hexutil.Encode(raw),
		}
	}
	return &domain.DecodedFunction{
		Name:       method.RawName,
		Signature:  method.Sig,
		Selector:   hexutil.Encode(method.ID),
		Parameters: params,
	}, nil
}

// formatValue renders addresses and bytes as 0x hex, integers in decimal and
// arrays and tuples as bracketed lists.
func formatValue(t gethabi.Type, v reflect.Value) string {
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	switch t.T {
	case gethabi.AddressTy:
		if addr, ok := v.Interface().(common.Address); ok {
			return strings.ToLower(addr.Hex())
		}
	case gethabi.IntTy, gethabi.UintTy:
		return fmt.Sprint(v.Interface())
	case gethabi.BoolTy:
		return strconv.FormatBool(v.Bool())
	case gethabi.StringTy:
		return v.String()
	case gethabi.BytesTy:
		return hexutil.Encode(v.Bytes())
	case gethabi.FixedBytesTy, gethabi.FunctionTy, gethabi.HashTy:
		return hexutil.Encode(byteArray(v))
	case gethabi.SliceTy, gethabi.ArrayTy:
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = formatValue(*t.Elem, v.Index(i))
		}
		return "[" + strings.Join(parts, ",") + "]"
	case gethabi.TupleTy:
		if v.Kind() == reflect.Pointer {
			v = v.Elem()
		}
		parts := make([]string, len(t.TupleElems))
		for i, elem := range t.TupleElems {
			parts[i] = formatValue(*elem, v.Field(i))
		}
		return "[" + strings.Join(parts, ",") + "]"
	}
	return fmt.Sprint(v.Interface())
}

func byteArray(v reflect.Value) []byte {
	if v.Kind() == reflect.Slice {
		return v.Bytes()
	}
	out := make([]byte, v.Len())
	for i := range out {
		out[i] = byte(v.Index(i).Uint())
	}
	return out
}
