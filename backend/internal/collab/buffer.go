package collab

import (
	"syncServer/backend/internal/ot"
)

// 抽象文档内容缓冲区接口。
// 内容只能通过已接受的操作变更，调用方（DocumentSession）负责串行化。
type Buffer interface {
	Len() int
	Apply(op ot.Operation) error
	String() string
}
