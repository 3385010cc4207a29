package sandbox

import (
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// ValidationError is a rejection of the statement itself. Its message is safe
// to show to the client.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

var (
	ErrParse        = &ValidationError{Message: "Could not parse SQL statement."}
	ErrMultiStmt    = &ValidationError{Message: "Only a single SQL statement is allowed."}
	ErrNotSelect    = &ValidationError{Message: "Only SELECT statements are allowed."}
	ErrMutation     = &ValidationError{Message: "Data-modifying statements are not allowed."}
	ErrForbiddenUse = &ValidationError{Message: "Access to security-sensitive schemas or functions is not allowed."}
)

var forbiddenSchemas = map[string]struct{}{
	"pg_catalog": {},
}

var forbiddenFunctions = map[string]struct{}{
	"pg_read_file":        {},
	"pg_read_binary_file": {},
	"pg_ls_dir":           {},
	"pg_stat_file":        {},
	"pg_ls_logdir":        {},
	"pg_ls_waldir":        {},
	"lo_import":           {},
	"lo_export":           {},
	"dblink":              {},
	"dblink_connect":      {},
	"dblink_exec":         {},
	"dblink_send_query":   {},
}

type violation int

const (
	violationNone violation = iota
	violationForbidden
	violationMutation
)

// Prepare parses sqlText, checks that it is a single read-only SELECT, bounds
// its LIMIT and returns the deparsed statement. Every error it returns is a
// *ValidationError.
func Prepare(sqlText string) (string, error) {
	tree, err := pg_query.Parse(sqlText)
	if err != nil {
		return "", ErrParse
	}

	stmts := make([]*pg_query.RawStmt, 0, len(tree.Stmts))
	for _, s := range tree.Stmts {
		if s.GetStmt() != nil && s.GetStmt().GetNode() != nil {
			stmts = append(stmts, s)
		}
	}
	if len(stmts) != 1 {
		return "", ErrMultiStmt
	}

	sel := stmts[0].GetStmt().GetSelectStmt()
	if sel == nil {
		return "", ErrNotSelect
	}

	switch inspect(stmts[0]) {
	case violationMutation:
		return "", ErrMutation
	case violationForbidden:
		return "", ErrForbiddenUse
	}

	boundLimit(sel)

	tree.Stmts = stmts
	out, err := pg_query.Deparse(tree)
	if err != nil {
		return "", ErrParse
	}
	return out, nil
}

// inspect walks the whole tree and returns the most severe violation found.
func inspect(root proto.Message) violation {
	worst := violationNone
	walk(root.ProtoReflect(), func(m proto.Message) {
		v := classify(m)
		if v > worst {
			worst = v
		}
	})
	return worst
}

func classify(m proto.Message) violation {
	switch n := m.(type) {
	case *pg_query.InsertStmt, *pg_query.UpdateStmt, *pg_query.DeleteStmt,
		*pg_query.MergeStmt, *pg_query.CopyStmt, *pg_query.CreateStmt,
		*pg_query.DropStmt, *pg_query.AlterTableStmt, *pg_query.TruncateStmt,
		*pg_query.GrantStmt, *pg_query.LockStmt, *pg_query.IntoClause:
		return violationMutation
	case *pg_query.RangeVar:
		if _, ok := forbiddenSchemas[strings.ToLower(n.GetSchemaname())]; ok {
			return violationForbidden
		}
	case *pg_query.FuncCall:
		if _, ok := forbiddenFunctions[strings.ToLower(funcName(n))]; ok {
			return violationForbidden
		}
	}
	return violationNone
}

// funcName is the unqualified name of a call.
func funcName(fc *pg_query.FuncCall) string {
	parts := fc.GetFuncname()
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1].GetString_().GetSval()
}

func walk(m protoreflect.Message, visit func(proto.Message)) {
	if !m.IsValid() {
		return
	}
	visit(m.Interface())
	m.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		if fd.Kind() != protoreflect.MessageKind && fd.Kind() != protoreflect.GroupKind {
			return true
		}
		switch {
		case fd.IsMap():
		case fd.IsList():
			list := v.List()
			for i := 0; i < list.Len(); i++ {
				walk(list.Get(i).Message(), visit)
			}
		default:
			walk(v.Message(), visit)
		}
		return true
	})
}

// boundLimit sets or clamps the LIMIT of the outermost SELECT. Anything that
// is not a plain integer literal is replaced by MaxLimit.
func boundLimit(sel *pg_query.SelectStmt) {
	count := sel.GetLimitCount()
	if count == nil {
		sel.LimitCount = intConst(DefaultLimit)
		sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
		return
	}

	c := count.GetAConst()
	if c != nil && !c.GetIsnull() && c.GetIval() != nil {
		if c.GetIval().GetIval() <= MaxLimit {
			return
		}
	}
	sel.LimitCount = intConst(MaxLimit)
	if sel.LimitOption != pg_query.LimitOption_LIMIT_OPTION_WITH_TIES {
		sel.LimitOption = pg_query.LimitOption_LIMIT_OPTION_COUNT
	}
}

func intConst(n int32) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_AConst{AConst: &pg_query.A_Const{
		Val:      &pg_query.A_Const_Ival{Ival: &pg_query.Integer{Ival: n}},
		Location: -1,
	}}}
}
