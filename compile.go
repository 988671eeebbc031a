package trax

import "fmt"

// === Bytecode compiler ===

// TypeInfo is the compiler's record of one guest type.
type TypeInfo struct {
	Name       string
	TypeIndex  int
	Fields     []string
	FieldIndex map[string]int
	Methods    map[string]*Method
}

// Program is the unit the interpreter consumes: a constant pool, the
// compiled method map, and the type table.
type Program struct {
	Constants []Value
	Methods   map[MethodKey][]Instruction
	Types     map[string]*TypeInfo
}

// TypeByName looks up a type record, or nil.
func (p *Program) TypeByName(name string) *TypeInfo {
	return p.Types[name]
}

// Compiler lowers a parsed guest program to bytecode.
type Compiler struct {
	nodes     []Node
	types     map[string]*TypeInfo
	typeOrder []string
	constants []Value
	methods   map[MethodKey][]Instruction
}

// NewCompiler prepares a compiler with the built-in types registered.
func NewCompiler(nodes []Node) *Compiler {
	c := &Compiler{
		nodes:     nodes,
		types:     make(map[string]*TypeInfo),
		methods:   make(map[MethodKey][]Instruction),
		constants: []Value{Nil}, // constant 0 is always nil
	}
	c.addBuiltinType("Int", TypeInt)
	c.addBuiltinType("NilType", TypeNil)
	c.addBuiltinType("Bool", TypeBool)
	return c
}

func (c *Compiler) addBuiltinType(name string, index int) {
	c.types[name] = &TypeInfo{
		Name:       name,
		TypeIndex:  index,
		FieldIndex: make(map[string]int),
		Methods:    make(map[string]*Method),
	}
	c.typeOrder = append(c.typeOrder, name)
}

// CompileProgram parses and compiles guest source in one step.
func CompileProgram(src string) (*Program, error) {
	nodes, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return NewCompiler(nodes).Compile()
}

// Compile runs the collect/resolve/compile passes and returns the
// finished program.
func (c *Compiler) Compile() (*Program, error) {
	if err := c.collectTypes(); err != nil {
		return nil, err
	}
	c.assignTypeIndexes()
	if err := c.compileMethods(); err != nil {
		return nil, err
	}
	return &Program{Constants: c.constants, Methods: c.methods, Types: c.types}, nil
}

func (c *Compiler) collectTypes() error {
	for _, node := range c.nodes {
		switch n := node.(type) {
		case *Struct:
			info := c.types[n.Name]
			if info == nil {
				info = &TypeInfo{Name: n.Name, TypeIndex: -1, Methods: make(map[string]*Method)}
				c.types[n.Name] = info
				c.typeOrder = append(c.typeOrder, n.Name)
			}
			if info.FieldIndex != nil {
				return fmt.Errorf("%s: struct %q declared twice", n.Pos(), n.Name)
			}
			info.Fields = n.Fields
			info.FieldIndex = make(map[string]int, len(n.Fields))
			for i, f := range n.Fields {
				info.FieldIndex[f] = i
			}
		case *Method:
			info := c.types[n.ClassName]
			if info == nil {
				info = &TypeInfo{Name: n.ClassName, TypeIndex: -1, Methods: make(map[string]*Method)}
				c.types[n.ClassName] = info
				c.typeOrder = append(c.typeOrder, n.ClassName)
			}
			info.Methods[n.MethodName] = n
		}
	}
	for _, name := range c.typeOrder {
		info := c.types[name]
		if info.FieldIndex == nil {
			return fmt.Errorf("type %q has methods but no struct declaration", name)
		}
	}
	return nil
}

// assignTypeIndexes numbers user struct types from 3 upward in
// declaration order; the built-ins keep their fixed indices.
func (c *Compiler) assignTypeIndexes() {
	next := TypeUser
	for _, name := range c.typeOrder {
		info := c.types[name]
		if info.TypeIndex < 0 {
			info.TypeIndex = next
			next++
		}
	}
}

// addConstant interns a constant and returns its pool index.
func (c *Compiler) addConstant(v Value) int {
	for i, existing := range c.constants {
		if existing == v {
			return i
		}
	}
	c.constants = append(c.constants, v)
	return len(c.constants) - 1
}

func (c *Compiler) compileMethods() error {
	for _, typeName := range c.typeOrder {
		info := c.types[typeName]
		for methodName, method := range info.Methods {
			mb := NewMethodBuilder(typeName, methodName)

			// Receiver lives in local 0, arguments follow.
			slots := map[string]int{"self": 0}
			for i, arg := range method.Args {
				slots[arg] = i + 1
			}

			if err := c.compileBlock(method.Body, mb, slots); err != nil {
				return err
			}

			// Implicit nil return when control falls off the end.
			mb.PushConst(0)
			mb.Return()

			c.methods[MethodKey{TypeIndex: info.TypeIndex, Name: methodName}] = mb.Build()
		}
	}
	return nil
}

// compileBlock compiles statements; var declarations extend the slot map
// for the remainder of the enclosing method.
func (c *Compiler) compileBlock(block *Block, mb *MethodBuilder, slots map[string]int) error {
	for _, stmt := range block.Stmts {
		if decl, ok := stmt.(*VarDecl); ok {
			if err := c.compileExpr(decl.Value, mb, slots); err != nil {
				return err
			}
			slot := len(slots)
			slots[decl.Name] = slot
			mb.SetVar(slot)
			continue
		}
		if err := c.compileStmt(stmt, mb, slots); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) compileStmt(stmt Stmt, mb *MethodBuilder, slots map[string]int) error {
	switch s := stmt.(type) {
	case *Assign:
		return c.compileAssign(s, mb, slots)
	case *ExprStmt:
		if err := c.compileExpr(s.X, mb, slots); err != nil {
			return err
		}
		mb.Pop()
		return nil
	case *If:
		return c.compileIf(s, mb, slots)
	case *While:
		return c.compileWhile(s, mb, slots)
	case *For:
		return fmt.Errorf("%s: for loops are not supported", s.Pos())
	case *Return:
		if err := c.compileExpr(s.X, mb, slots); err != nil {
			return err
		}
		mb.Return()
		return nil
	default:
		return fmt.Errorf("%s: unsupported statement", stmt.Pos())
	}
}

func (c *Compiler) compileAssign(s *Assign, mb *MethodBuilder, slots map[string]int) error {
	if err := c.compileExpr(s.Value, mb, slots); err != nil {
		return err
	}
	names := s.Target.Names
	switch {
	case len(names) == 1:
		slot, ok := slots[names[0]]
		if !ok {
			return fmt.Errorf("%s: unknown variable %q", s.Pos(), names[0])
		}
		mb.SetVar(slot)
		return nil
	case len(names) == 2 && names[0] == "self":
		info := c.types[mb.TypeName]
		idx, ok := info.FieldIndex[names[1]]
		if !ok {
			return fmt.Errorf("%s: type %q has no field %q", s.Pos(), mb.TypeName, names[1])
		}
		mb.GetVar(slots["self"])
		mb.SetField(idx)
		return nil
	default:
		return fmt.Errorf("%s: only variable and self field assignments are supported", s.Pos())
	}
}

func (c *Compiler) compileIf(s *If, mb *MethodBuilder, slots map[string]int) error {
	if err := c.compileExpr(s.Cond, mb, slots); err != nil {
		return err
	}
	if s.Else == nil {
		end := mb.NewBlock()
		mb.JmpIfNot(end)
		if err := c.compileBlock(s.Then, mb, slots); err != nil {
			return err
		}
		mb.Jmp(end, false)
		mb.SwitchBlock(end)
		return nil
	}
	elseBB := mb.NewBlock()
	end := mb.NewBlock()
	mb.JmpIfNot(elseBB)
	if err := c.compileBlock(s.Then, mb, slots); err != nil {
		return err
	}
	mb.Jmp(end, false)
	mb.SwitchBlock(elseBB)
	if err := c.compileBlock(s.Else, mb, slots); err != nil {
		return err
	}
	mb.Jmp(end, false)
	mb.SwitchBlock(end)
	return nil
}

func (c *Compiler) compileWhile(s *While, mb *MethodBuilder, slots map[string]int) error {
	start := mb.NewBlock()
	end := mb.NewBlock()
	mb.Jmp(start, false)
	mb.SwitchBlock(start)
	if err := c.compileExpr(s.Cond, mb, slots); err != nil {
		return err
	}
	mb.JmpIfNot(end)
	if err := c.compileBlock(s.Body, mb, slots); err != nil {
		return err
	}
	mb.Jmp(start, true)
	mb.SwitchBlock(end)
	return nil
}

func (c *Compiler) compileExpr(expr Expr, mb *MethodBuilder, slots map[string]int) error {
	switch e := expr.(type) {
	case *IntLit:
		mb.PushConst(c.addConstant(FromInt(e.Value)))
		return nil
	case *Qualified:
		return c.compileQualified(e, mb, slots)
	case *MethodCall:
		if err := c.compileExpr(e.Obj, mb, slots); err != nil {
			return err
		}
		for _, arg := range e.Args {
			if err := c.compileExpr(arg, mb, slots); err != nil {
				return err
			}
		}
		mb.Call(e.Method, len(e.Args))
		return nil
	case *NewExpr:
		info := c.types[e.ClassName]
		if info == nil {
			return fmt.Errorf("%s: unknown type %q", e.Pos(), e.ClassName)
		}
		if len(e.Args) != len(info.Fields) {
			return fmt.Errorf("%s: new %s expects %d fields, got %d", e.Pos(), e.ClassName, len(info.Fields), len(e.Args))
		}
		for _, arg := range e.Args {
			if err := c.compileExpr(arg, mb, slots); err != nil {
				return err
			}
		}
		mb.New(info.TypeIndex, len(info.Fields))
		return nil
	default:
		return fmt.Errorf("%s: unsupported expression", expr.Pos())
	}
}

func (c *Compiler) compileQualified(q *Qualified, mb *MethodBuilder, slots map[string]int) error {
	names := q.Names
	switch {
	case len(names) == 1:
		if names[0] == "nil" {
			mb.PushConst(0)
			return nil
		}
		if names[0] == "true" {
			mb.PushConst(c.addConstant(True))
			return nil
		}
		if names[0] == "false" {
			mb.PushConst(c.addConstant(False))
			return nil
		}
		slot, ok := slots[names[0]]
		if !ok {
			return fmt.Errorf("%s: unknown variable %q", q.Pos(), names[0])
		}
		mb.GetVar(slot)
		return nil
	case len(names) == 2 && names[0] == "self":
		info := c.types[mb.TypeName]
		idx, ok := info.FieldIndex[names[1]]
		if !ok {
			return fmt.Errorf("%s: type %q has no field %q", q.Pos(), mb.TypeName, names[1])
		}
		mb.GetVar(slots["self"])
		mb.GetField(idx)
		return nil
	default:
		return fmt.Errorf("%s: only 'self' is allowed as the object in field access", q.Pos())
	}
}
