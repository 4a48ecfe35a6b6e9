package collab

import "syncServer/backend/internal/ot"

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int
	length int
}

/*
结构示例

初始文档内容 "Hello world"：
- original buffer 内容："Hello world"
- add buffer 为空
- piece 表：[ (orig, offset=0, length=11) ]

在位置 5 插入 " collaborative"：
- 在 add buffer 末尾追加 " collaborative"
- piece 表从一条拆成三条：

	[
	  (orig, offset=0, length=5),   // "Hello"
	  (add,  offset=0, length=14),  // " collaborative"
	  (orig, offset=5, length=6),   // " world"
	]
*/
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	return &PieceTable{
		original: r,
		pieces:   []piece{{buf: bufOriginal, offset: 0, length: len(r)}},
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var res []rune
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			res = append(res, pt.original[p.offset:p.offset+p.length]...)
		case bufAdd:
			res = append(res, pt.add[p.offset:p.offset+p.length]...)
		}
	}
	return string(res)
}

// Apply 应用一条已接受的插入/删除操作。
// 操作在进入这里之前必须已通过 ot.Validate（位置以 rune 计）。
func (pt *PieceTable) Apply(op ot.Operation) error {
	if err := ot.Validate(op, pt.Len()); err != nil {
		return err
	}
	switch op.Kind {
	case ot.KindInsert:
		pt.insert(op.Pos, []rune(op.Text))
	case ot.KindDelete:
		pt.delete(op.Pos, op.Len)
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) {
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(text)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	// 只动目标 piece，其余保持原样
	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

func (pt *PieceTable) delete(pos, length int) {
	remain := length
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}

		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 都删掉，idx 不动（此位置已是下一个 piece）
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		} else {
			// 只删中间一段：拆成左 / 右两段
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces

			if leftLen > 0 {
				idx++
			}
			offset = 0
			// 右段留在 idx 处，下一轮继续
		}

		remain -= take
	}
}

// 根据逻辑位置 pos 找到对应的 piece 下标 idx 和该 piece 内的偏移
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
