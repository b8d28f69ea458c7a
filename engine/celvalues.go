package engine

import (
	"fmt"
	"reflect"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// RetrieveTypeName is the CEL type name of retrieve results
const RetrieveTypeName = "cql.Retrieve"

// RetrieveType is the CEL type of retrieve results
var RetrieveType = types.NewOpaqueType(RetrieveTypeName)

// retrieveVal carries a *Retrieve through CEL evaluation
type retrieveVal struct {
	retrieve *Retrieve
}

var _ ref.Val = (*retrieveVal)(nil)

func (r *retrieveVal) Type() ref.Type {
	return RetrieveType
}

func (r *retrieveVal) Value() any {
	return r.retrieve
}

func (r *retrieveVal) ConvertToNative(typeDesc reflect.Type) (any, error) {
	if typeDesc == reflect.TypeOf(r.retrieve) {
		return r.retrieve, nil
	}

	return nil, fmt.Errorf("unsupported native conversion to %v for Retrieve", typeDesc)
}

func (r *retrieveVal) ConvertToType(typeVal ref.Type) ref.Val {
	if typeVal == RetrieveType {
		return r
	}

	return types.NewErr("type conversion error from Retrieve to %s", typeVal)
}

func (r *retrieveVal) Equal(other ref.Val) ref.Val {
	o, ok := other.(*retrieveVal)
	return types.Bool(ok && o.retrieve == r.retrieve)
}
