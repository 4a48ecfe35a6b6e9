package collab

import (
	"errors"
	"fmt"
)

// 错误分类（协议级错误码，ws 层按原样透传给发起方）：
// - INVALID_OPERATION   在 ot 包里，transform 之前就拦下
// - PERMISSION_DENIED   Gatekeeper 否决，附带当前持有者
// - VERSION_AHEAD       客户端版本超前（bug 或重放竞争），强制 resync
// - BACKLOG_EXCEEDED    落后超过回溯窗口，强制 resync 而不是全量 rebase
// 这些都是单操作级别的失败，不影响其他客户端和其他操作。
var (
	ErrPermissionDenied      = errors.New("PERMISSION_DENIED")
	ErrVersionAhead          = errors.New("VERSION_AHEAD")
	ErrBacklogExceeded       = errors.New("BACKLOG_EXCEEDED")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrConnectionLost        = errors.New("CONNECTION_LOST")
	ErrSessionClosed         = errors.New("SESSION_CLOSED")
	ErrRequestNotFound       = errors.New("EDIT_REQUEST_NOT_FOUND")
)

// PermissionError 包装 PERMISSION_DENIED，带上当前写权限持有者，
// 发起方界面需要展示"现在是谁拿着编辑权"。
type PermissionError struct {
	HolderID   uint64
	HolderName string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("PERMISSION_DENIED: block held by user %d", e.HolderID)
}

func (e *PermissionError) Unwrap() error { return ErrPermissionDenied }

// IsResyncRequired 判断该错误是否应触发强制 resync（对用户不可见，
// 只表现为短暂的 "syncing" 状态）。
func IsResyncRequired(err error) bool {
	return errors.Is(err, ErrVersionAhead) || errors.Is(err, ErrBacklogExceeded)
}
