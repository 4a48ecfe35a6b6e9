package ot

import (
	"math/rand"
	"testing"
)

// 测试用的最小应用函数（引擎本身不持有文档，文档在 PieceTable 里）
func apply(t *testing.T, s string, ops ...Operation) string {
	t.Helper()
	r := []rune(s)
	for _, op := range ops {
		if err := Validate(op, len(r)); err != nil {
			t.Fatalf("invalid op %+v on %q: %v", op, string(r), err)
		}
		switch op.Kind {
		case KindInsert:
			ins := []rune(op.Text)
			out := make([]rune, 0, len(r)+len(ins))
			out = append(out, r[:op.Pos]...)
			out = append(out, ins...)
			out = append(out, r[op.Pos:]...)
			r = out
		case KindDelete:
			r = append(r[:op.Pos:op.Pos], r[op.Pos+op.Len:]...)
		}
	}
	return string(r)
}

// 收敛性：两条并发操作，无论先应用哪条，最终文档一致
func assertDiamond(t *testing.T, doc string, a, b Operation) {
	t.Helper()
	left := apply(t, apply(t, doc, b), Transform(a, b)...)
	right := apply(t, apply(t, doc, a), Transform(b, a)...)
	if left != right {
		t.Fatalf("diverged on %q:\n a=%+v b=%+v\n b,a'=%q a,b'=%q", doc, a, b, left, right)
	}
}

func TestTransform_ConcurrentInsertDelete(t *testing.T) {
	// "ABCD"：插入 "X"@1 与 删除1个@2（删 "C"）并发，结果必须是 "AXBD"
	ins := Operation{Kind: KindInsert, Pos: 1, Text: "X", OriginID: "c1"}
	del := Operation{Kind: KindDelete, Pos: 2, Len: 1, OriginID: "c2"}

	afterIns := apply(t, "ABCD", ins)
	if afterIns != "AXBCD" {
		t.Fatalf("insert first: got %q, want %q", afterIns, "AXBCD")
	}
	got := apply(t, afterIns, Transform(del, ins)...)
	if got != "AXBD" {
		t.Fatalf("insert then transformed delete: got %q, want %q", got, "AXBD")
	}

	afterDel := apply(t, "ABCD", del)
	got = apply(t, afterDel, Transform(ins, del)...)
	if got != "AXBD" {
		t.Fatalf("delete then transformed insert: got %q, want %q", got, "AXBD")
	}
}

func TestTransform_InsertInsertTieBreak(t *testing.T) {
	// 同位置并发插入：OriginID 小的保住位置，与处理顺序无关
	a := Operation{Kind: KindInsert, Pos: 2, Text: "aa", OriginID: "c2"}
	b := Operation{Kind: KindInsert, Pos: 2, Text: "bb", OriginID: "c1"}
	assertDiamond(t, "hello", a, b)

	want := apply(t, apply(t, "hello", b), Transform(a, b)...)
	if want != "hebbaallo" {
		t.Fatalf("tie-break: got %q, want %q", want, "hebbaallo")
	}
}

func TestTransform_InsertInsideDeletedSpan(t *testing.T) {
	// 插入点落在被删区间内 → 重定位到区间起点，文本存活
	del := Operation{Kind: KindDelete, Pos: 1, Len: 3, OriginID: "c1"}
	ins := Operation{Kind: KindInsert, Pos: 2, Text: "x", OriginID: "c2"}
	assertDiamond(t, "ABCDE", del, ins)

	got := apply(t, apply(t, "ABCDE", del), Transform(ins, del)...)
	if got != "AxE" {
		t.Fatalf("got %q, want %q", got, "AxE")
	}
}

func TestTransform_DeleteSplitsAroundInsert(t *testing.T) {
	del := Operation{Kind: KindDelete, Pos: 1, Len: 3, OriginID: "c1"}
	ins := Operation{Kind: KindInsert, Pos: 2, Text: "xy", OriginID: "c2"}
	prime := Transform(del, ins)
	if len(prime) != 2 {
		t.Fatalf("expected split into 2 deletes, got %d: %+v", len(prime), prime)
	}
	got := apply(t, apply(t, "ABCDE", ins), prime...)
	if got != "AxyE" {
		t.Fatalf("got %q, want %q", got, "AxyE")
	}
}

func TestTransform_DeleteDeleteOverlap(t *testing.T) {
	cases := []struct {
		name string
		a, b Operation
	}{
		{"partial", Operation{Kind: KindDelete, Pos: 1, Len: 3, OriginID: "c1"}, Operation{Kind: KindDelete, Pos: 2, Len: 3, OriginID: "c2"}},
		{"subsumed", Operation{Kind: KindDelete, Pos: 2, Len: 1, OriginID: "c1"}, Operation{Kind: KindDelete, Pos: 1, Len: 4, OriginID: "c2"}},
		{"identical", Operation{Kind: KindDelete, Pos: 1, Len: 2, OriginID: "c1"}, Operation{Kind: KindDelete, Pos: 1, Len: 2, OriginID: "c2"}},
		{"disjoint", Operation{Kind: KindDelete, Pos: 0, Len: 2, OriginID: "c1"}, Operation{Kind: KindDelete, Pos: 4, Len: 2, OriginID: "c2"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assertDiamond(t, "ABCDEF", tc.a, tc.b)
		})
	}
	// 完全被覆盖的 delete 退化成 no-op
	sub := Transform(Operation{Kind: KindDelete, Pos: 2, Len: 1, OriginID: "c1"},
		Operation{Kind: KindDelete, Pos: 1, Len: 4, OriginID: "c2"})
	if len(sub) != 0 {
		t.Fatalf("subsumed delete should be a no-op, got %+v", sub)
	}
}

// 顺序补丁对顺序补丁的菱形：两条路径收敛
func TestTransformPatch_SequentialPatches(t *testing.T) {
	doc := "hello world"
	// c1：两次连续击键（顺序补丁）
	a := []Operation{
		{Kind: KindInsert, Pos: 5, Text: "!", OriginID: "c1"},
		{Kind: KindInsert, Pos: 6, Text: "?", OriginID: "c1"},
	}
	// c2：并发删掉 "world" 前的空格和 "wor"
	b := []Operation{
		{Kind: KindDelete, Pos: 5, Len: 4, OriginID: "c2"},
	}
	ap, bp := TransformPatch(a, b)
	left := apply(t, apply(t, doc, b...), ap...)
	right := apply(t, apply(t, doc, a...), bp...)
	if left != right {
		t.Fatalf("patch diamond diverged: %q vs %q", left, right)
	}
}

// 随机顺序补丁的收敛性
func TestTransformPatch_RandomConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const doc = "collaborative editing engine"
	for i := 0; i < 500; i++ {
		a := randomPatch(rng, doc, "c1")
		b := randomPatch(rng, doc, "c2")
		ap, bp := TransformPatch(a, b)
		left := apply(t, apply(t, doc, b...), ap...)
		right := apply(t, apply(t, doc, a...), bp...)
		if left != right {
			t.Fatalf("diverged:\n a=%+v\n b=%+v\n got %q vs %q", a, b, left, right)
		}
	}
}

// 生成一个合法的顺序补丁：每条操作都以前一条应用后的文档为基准
func randomPatch(rng *rand.Rand, doc, origin string) []Operation {
	n := 1 + rng.Intn(3)
	cur := doc
	ops := make([]Operation, 0, n)
	for i := 0; i < n; i++ {
		docLen := len([]rune(cur))
		if docLen == 0 {
			break
		}
		op := randomOp(rng, docLen, origin)
		ops = append(ops, op)
		cur = applyRaw(cur, op)
	}
	return ops
}

func applyRaw(s string, op Operation) string {
	r := []rune(s)
	switch op.Kind {
	case KindInsert:
		ins := []rune(op.Text)
		out := make([]rune, 0, len(r)+len(ins))
		out = append(out, r[:op.Pos]...)
		out = append(out, ins...)
		out = append(out, r[op.Pos:]...)
		return string(out)
	case KindDelete:
		return string(append(r[:op.Pos:op.Pos], r[op.Pos+op.Len:]...))
	}
	return s
}

// 随机操作对的收敛性（property test）
func TestTransform_RandomDiamondConvergence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const doc = "The quick brown fox jumps"
	for i := 0; i < 2000; i++ {
		a := randomOp(rng, len([]rune(doc)), "c1")
		b := randomOp(rng, len([]rune(doc)), "c2")
		assertDiamond(t, doc, a, b)
	}
}

func randomOp(rng *rand.Rand, docLen int, origin string) Operation {
	if rng.Intn(2) == 0 {
		texts := []string{"x", "yz", "héllo", "_"}
		return Operation{Kind: KindInsert, Pos: rng.Intn(docLen + 1), Text: texts[rng.Intn(len(texts))], OriginID: origin}
	}
	pos := rng.Intn(docLen)
	return Operation{Kind: KindDelete, Pos: pos, Len: 1 + rng.Intn(docLen-pos), OriginID: origin}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		op     Operation
		docLen int
		ok     bool
	}{
		{"insert at end", Operation{Kind: KindInsert, Pos: 5, Text: "a"}, 5, true},
		{"insert past end", Operation{Kind: KindInsert, Pos: 6, Text: "a"}, 5, false},
		{"insert empty", Operation{Kind: KindInsert, Pos: 0}, 5, false},
		{"negative pos", Operation{Kind: KindInsert, Pos: -1, Text: "a"}, 5, false},
		{"delete ok", Operation{Kind: KindDelete, Pos: 0, Len: 5}, 5, true},
		{"delete overrun", Operation{Kind: KindDelete, Pos: 3, Len: 3}, 5, false},
		{"delete zero len", Operation{Kind: KindDelete, Pos: 0, Len: 0}, 5, false},
		{"unknown kind", Operation{Kind: "retain", Pos: 0}, 5, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.op, tc.docLen)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected INVALID_OPERATION")
			}
		})
	}
}

func TestCompose(t *testing.T) {
	a := Operation{Kind: KindInsert, Pos: 3, Text: "ab", OriginID: "c1"}
	b := Operation{Kind: KindInsert, Pos: 5, Text: "cd", OriginID: "c1"}
	merged, ok := Compose(a, b)
	if !ok {
		t.Fatalf("sequential keystrokes should compose")
	}
	// 合并前后应用结果一致
	if apply(t, "hello world", merged) != apply(t, "hello world", a, b) {
		t.Fatalf("compose changed the result")
	}

	// 退格串
	d1 := Operation{Kind: KindDelete, Pos: 4, Len: 1, OriginID: "c1"}
	d2 := Operation{Kind: KindDelete, Pos: 3, Len: 1, OriginID: "c1"}
	merged, ok = Compose(d1, d2)
	if !ok {
		t.Fatalf("backspace run should compose")
	}
	if apply(t, "hello", merged) != apply(t, "hello", d1, d2) {
		t.Fatalf("compose changed the result")
	}

	// 不同源不合并
	if _, ok := Compose(a, Operation{Kind: KindInsert, Pos: 5, Text: "x", OriginID: "c2"}); ok {
		t.Fatalf("different origins must not compose")
	}
	// 不相邻不合并
	if _, ok := Compose(a, Operation{Kind: KindInsert, Pos: 9, Text: "x", OriginID: "c1"}); ok {
		t.Fatalf("non-adjacent inserts must not compose")
	}
}
