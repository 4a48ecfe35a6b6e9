package cache

import (
	"fmt"
	"strconv"
)

// 键语义：
// - roomKey(docID):    房间成员有序集合（ZSet<userId>，score = 过期时刻 unix 毫秒）
// - entriesKey(docID): 房间内 userId → presence 条目 JSON（Hash）
//
// 成员存活与否只看 ZSet 的 score：score < now 即过期，
// 由 Lua 清扫脚本原子地摘除并返回被驱逐的成员。

// entries 不挂在 room:* 前缀下，清扫器按 room:* SCAN 时不会扫到它
const (
	keyRoomFmt    = "presence:room:%s"    // ZSet<userId, expireAt>
	keyEntriesFmt = "presence:entries:%s" // Hash<userId -> entry JSON>
)

const roomScanPattern = "presence:room:*"

func roomKey(docID string) string    { return fmt.Sprintf(keyRoomFmt, docID) }
func entriesKey(docID string) string { return fmt.Sprintf(keyEntriesFmt, docID) }

func memberField(userID uint64) string { return strconv.FormatUint(userID, 10) }
