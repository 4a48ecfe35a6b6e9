package ot

// Transform 把 a 改写成 a'：假设 b 已经先被应用，a' 在 b 之后应用时
// 仍保持 a 的原始意图。返回的是一个顺序补丁（依次应用）而不是单个操作：
// - 被另一个 delete 完全覆盖的 delete 变成 no-op（空切片）
// - 跨过一个已应用 insert 的 delete 必须拆成两段，否则会把
//   对方刚插入的文本一起删掉
// 大多数情况返回恰好一个操作。
func Transform(a, b Operation) []Operation {
	ap, _ := TransformPair(a, b)
	return ap
}

// TransformPair 同时给出 OT 菱形的两条底边：
// a'（在 b 之后应用）和 b'（在 a 之后应用）。
func TransformPair(a, b Operation) (ap, bp []Operation) {
	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		return []Operation{transformInsertInsert(a, b)}, []Operation{transformInsertInsert(b, a)}
	case a.Kind == KindInsert && b.Kind == KindDelete:
		return []Operation{transformInsertDelete(a, b)}, transformDeleteInsert(b, a)
	case a.Kind == KindDelete && b.Kind == KindInsert:
		return transformDeleteInsert(a, b), []Operation{transformInsertDelete(b, a)}
	case a.Kind == KindDelete && b.Kind == KindDelete:
		return transformDeleteDelete(a, b), transformDeleteDelete(b, a)
	}
	return []Operation{a}, []Operation{b}
}

// 同位置并发插入：按 OriginID 排序做确定性 tie-break，
// 小的 id 保住原位置，大的往后挪。与到达顺序无关，重放可复现。
func transformInsertInsert(a, b Operation) Operation {
	if b.Pos < a.Pos || (b.Pos == a.Pos && b.OriginID < a.OriginID) {
		a.Pos += b.TextLen()
	}
	return a
}

// insert 对 delete：
// - 插入点落在被删区间内 → 重定位到区间起点
// - 在区间之后 → 按净长度差左移
// - 在区间之前（含起点）→ 不动
func transformInsertDelete(a, b Operation) Operation {
	start, end := b.span()
	switch {
	case a.Pos <= start:
		// 不动
	case a.Pos >= end:
		a.Pos -= b.Len
	default:
		a.Pos = start
	}
	return a
}

// delete 对 insert：插入点落在待删区间内部时拆成两段，
// 先删插入点之前的部分，再跳过插入文本删剩余部分。
func transformDeleteInsert(a, b Operation) []Operation {
	start, end := a.span()
	ins := b.TextLen()
	switch {
	case b.Pos <= start:
		a.Pos += ins
		return []Operation{a}
	case b.Pos >= end:
		return []Operation{a}
	}
	left := a
	left.Len = b.Pos - start
	right := a
	right.Pos = start + ins
	right.Len = end - b.Pos
	return []Operation{left, right}
}

// delete 对 delete：取差集。对方已经删掉的部分不再删；
// 被完全覆盖则退化成 no-op。b 的区间被移除后，a 剩余的
// 左右两段在新文档里是连续的，所以结果仍是单个操作。
func transformDeleteDelete(a, b Operation) []Operation {
	aStart, aEnd := a.span()
	bStart, bEnd := b.span()
	if aEnd <= bStart {
		return []Operation{a}
	}
	if bEnd <= aStart {
		a.Pos -= b.Len
		return []Operation{a}
	}
	leftLen := max(0, bStart-aStart)
	rightLen := max(0, aEnd-bEnd)
	if leftLen+rightLen == 0 {
		return nil
	}
	a.Pos = min(aStart, bStart)
	a.Len = leftLen + rightLen
	return []Operation{a}
}

// TransformPatch 在两个顺序补丁之间做 rebase：
// A' 在 B 之后应用、B' 在 A 之后应用，两条路径收敛到同一文档。
// 递归按菱形组合律拆分：
//
//	B = B1;B2 时：A' = (A⊳B1)⊳B2，B' = (B1⊳A) ++ (B2⊳(A⊳B1))
//	A = A1;A2 时对称
//
// 基例是 TransformPair（单操作对单操作，可能分裂）。
func TransformPatch(a, b []Operation) (ap, bp []Operation) {
	if len(a) == 0 || len(b) == 0 {
		return a, b
	}
	if len(a) == 1 && len(b) == 1 {
		return TransformPair(a[0], b[0])
	}
	if len(b) > 1 {
		a1, b1p := TransformPatch(a, b[:1])
		a2, b2p := TransformPatch(a1, b[1:])
		return a2, append(b1p, b2p...)
	}
	// len(a) > 1, len(b) == 1
	a1p, bp1 := TransformPatch(a[:1], b)
	a2p, bp2 := TransformPatch(a[1:], bp1)
	return append(a1p, a2p...), bp2
}

// Compose 尝试把同源的连续两次操作合并成一个逻辑编辑
// （连续击键 / 连续退格），用于减少传输量。纯优化：
// 合并前后应用结果必须一致，合不了就返回 false。
func Compose(a, b Operation) (Operation, bool) {
	if a.OriginID != b.OriginID || a.Kind != b.Kind {
		return Operation{}, false
	}
	switch a.Kind {
	case KindInsert:
		// b 紧跟在 a 插入的文本之后
		if b.Pos == a.Pos+a.TextLen() {
			a.Text += b.Text
			return a, true
		}
	case KindDelete:
		// 向前删：b 从 a 的位置继续删
		if b.Pos == a.Pos {
			a.Len += b.Len
			return a, true
		}
		// 退格：b 删的区间正好顶到 a 的起点
		if b.Pos+b.Len == a.Pos {
			a.Pos = b.Pos
			a.Len += b.Len
			return a, true
		}
	}
	return Operation{}, false
}
