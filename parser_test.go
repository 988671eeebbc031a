package trax

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenize(t *testing.T) {
	tokens, err := Tokenize("fn Int:square() { return self * self; }")
	require.NoError(t, err)
	kinds := make([]TokenKind, len(tokens))
	for i, tok := range tokens {
		kinds[i] = tok.Kind
	}
	require.Equal(t, []TokenKind{
		TOKEN_FN, TOKEN_IDENT, TOKEN_COLON, TOKEN_IDENT, TOKEN_LPAREN, TOKEN_RPAREN,
		TOKEN_LBRACE, TOKEN_RETURN, TOKEN_IDENT, TOKEN_IDENT, TOKEN_IDENT, TOKEN_SEMI,
		TOKEN_RBRACE,
	}, kinds)
	require.Equal(t, "*", tokens[9].Value)
}

func TestTokenizeOperators(t *testing.T) {
	tokens, err := Tokenize("a <= b == c . d = e")
	require.NoError(t, err)
	require.Equal(t, TOKEN_IDENT, tokens[1].Kind) // <=
	require.Equal(t, "<=", tokens[1].Value)
	require.Equal(t, TOKEN_IDENT, tokens[3].Kind) // ==
	require.Equal(t, TOKEN_DOT, tokens[5].Kind)
	require.Equal(t, TOKEN_ASSIGN, tokens[7].Kind)
}

func TestParseStruct(t *testing.T) {
	nodes, err := Parse(`
	struct Pair {
		first;
		second;
	}
	`)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	s, ok := nodes[0].(*Struct)
	require.True(t, ok)
	require.Equal(t, "Pair", s.Name)
	require.Equal(t, []string{"first", "second"}, s.Fields)
}

func TestParseMethod(t *testing.T) {
	nodes, err := Parse(`
	fn Pair:swap() {
		var temp = self.first;
		self.first = self.second;
		self.second = temp;
		return self;
	}
	`)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	m, ok := nodes[0].(*Method)
	require.True(t, ok)
	require.Equal(t, "Pair", m.ClassName)
	require.Equal(t, "swap", m.MethodName)
	require.Empty(t, m.Args)
	require.Len(t, m.Body.Stmts, 4)

	decl, ok := m.Body.Stmts[0].(*VarDecl)
	require.True(t, ok)
	require.Equal(t, "temp", decl.Name)
	q, ok := decl.Value.(*Qualified)
	require.True(t, ok)
	require.Equal(t, []string{"self", "first"}, q.Names)
}

func TestParseInfixCalls(t *testing.T) {
	nodes, err := Parse(`
	fn Int:poly(x) {
		return self * self + x * 2;
	}
	`)
	require.NoError(t, err)
	m := nodes[0].(*Method)
	ret := m.Body.Stmts[0].(*Return)
	// Infix chains fold strictly left to right: (((self * self) + x) * 2).
	outer, ok := ret.X.(*MethodCall)
	require.True(t, ok)
	require.Equal(t, "*", outer.Method)
	lit, ok := outer.Args[0].(*IntLit)
	require.True(t, ok)
	require.Equal(t, int64(2), lit.Value)
	inner, ok := outer.Obj.(*MethodCall)
	require.True(t, ok)
	require.Equal(t, "+", inner.Method)
}

func TestParseWhileAndNew(t *testing.T) {
	nodes, err := Parse(`
	struct Counter { n; }
	fn Counter:spin() {
		while self.n > 0 {
			self.n = self.n - 1;
		}
		return new Counter{self.n};
	}
	`)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	m := nodes[1].(*Method)
	_, ok := m.Body.Stmts[0].(*While)
	require.True(t, ok)
	ret := m.Body.Stmts[1].(*Return)
	ne, ok := ret.X.(*NewExpr)
	require.True(t, ok)
	require.Equal(t, "Counter", ne.ClassName)
	require.Len(t, ne.Args, 1)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("struct {")
	require.Error(t, err)
	_, err = Parse("fn Int square() {}")
	require.Error(t, err)
	_, err = Parse("fn Int:f() { return 5 }") // missing semicolon
	require.Error(t, err)
	_, err = Tokenize("fn Int:f() { \x01 }")
	require.Error(t, err)
}
