package ot

import "errors"

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// 非法操作：位置越界 / 长度为负 / 形状不对。
// 在进入 transform 之前就被拒绝，不会进入操作日志。
var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 是一次原子编辑（插入或删除），创建后不可变。
// - Pos / Len 均以 rune 计（与 PieceTable 保持一致，避免多字节字符错位）
// - BaseVersion：客户端生成该操作时看到的文档版本
// - OriginID：客户端实例标识（同一用户多标签页有不同 OriginID），
//   同位置并发插入用它做确定性 tie-break
type Operation struct {
	Kind        Kind   `json:"kind"`
	Pos         int    `json:"pos"`
	Text        string `json:"text,omitempty"` // insert 的文本
	Len         int    `json:"len,omitempty"`  // delete 的长度
	BaseVersion uint64 `json:"baseVersion"`
	OriginID    string `json:"originId"`
	BlockID     string `json:"blockId,omitempty"` // 可选的子区域，给权限层用
}

// TextLen 返回插入文本的 rune 长度。
func (op Operation) TextLen() int {
	return len([]rune(op.Text))
}

// 删除区间 [start, end)
func (op Operation) span() (int, int) {
	return op.Pos, op.Pos + op.Len
}

// Validate 校验操作相对于 docLen（基准版本时的文档长度）是否合法。
// insert: 0 <= Pos <= docLen 且文本非空
// delete: 0 <= Pos 且 Pos+Len <= docLen 且 Len > 0
func Validate(op Operation, docLen int) error {
	if op.Pos < 0 {
		return ErrInvalidOperation
	}
	switch op.Kind {
	case KindInsert:
		if op.Text == "" || op.Pos > docLen {
			return ErrInvalidOperation
		}
	case KindDelete:
		if op.Len <= 0 || op.Pos+op.Len > docLen {
			return ErrInvalidOperation
		}
	default:
		return ErrInvalidOperation
	}
	return nil
}

// TransformedOperation 是经过 rebase 的操作，
// RebasedAcross 记录它跨过的版本号，只用于调试/审计，不参与重放。
type TransformedOperation struct {
	Ops           []Operation `json:"ops"`
	RebasedAcross []uint64    `json:"rebasedAcross,omitempty"`
}
