package main

import (
	"fmt"
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// network is the decoder-only transformer expressed as a gorgonia graph for a
// fixed window width: token and position embeddings, Layers pre-norm decoder
// blocks, a final layer norm and a linear head. Attention is causal, unlike
// the unmasked nn.MultiheadAttention block the first Onyx models trained with.
//
// Graph construction uses gorgonia.Must. A shape mismatch here is a
// programming error, not a runtime condition.
type network struct {
	cfg   Config
	vocab int
	g     *gorgonia.ExprGraph

	names      []string
	learnables gorgonia.Nodes
	byName     map[string]*gorgonia.Node

	context *gorgonia.Node // one-hot window, Window×vocab
	logits  *gorgonia.Node // Window×vocab
	ctxBuf  *tensor.Dense

	colOnes *gorgonia.Node // Window×1, broadcasts 1×n rows over positions
	rowOnes map[int]*gorgonia.Node
	avg     *gorgonia.Node // Embed×1 of 1/Embed, row means by matrix product
	mask    *gorgonia.Node // causal mask
	eps     *gorgonia.Node
	scale   *gorgonia.Node
}

func newNetwork(cfg Config, vocab int, params *Params) (*network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := params.Check(cfg, vocab); err != nil {
		return nil, err
	}

	g := gorgonia.NewGraph()
	n := &network{
		cfg:    cfg,
		vocab:  vocab,
		g:      g,
		byName:  make(map[string]*gorgonia.Node),
		rowOnes: make(map[int]*gorgonia.Node),
	}
	for _, name := range params.Names() {
		t := params.Get(name)
		node := gorgonia.NewMatrix(g, dtype,
			gorgonia.WithShape(t.Shape()...),
			gorgonia.WithName(name),
			gorgonia.WithValue(t),
		)
		n.names = append(n.names, name)
		n.learnables = append(n.learnables, node)
		n.byName[name] = node
	}

	w, d := cfg.Window, cfg.Embed
	n.colOnes = n.constMatrix("ones_col", w, 1, func(int, int) float64 { return 1 })
	n.avg = n.constMatrix("mean_col", d, 1, func(int, int) float64 { return 1 / float64(d) })
	n.mask = n.constMatrix("causal_mask", w, w, func(i, j int) float64 {
		if j > i {
			return -1e9
		}
		return 0
	})
	n.eps = gorgonia.NewConstant(1e-5, gorgonia.WithName("ln_eps"))
	n.scale = gorgonia.NewConstant(1/math.Sqrt(float64(cfg.HeadDim())), gorgonia.WithName("attn_scale"))

	n.ctxBuf = tensor.New(tensor.WithShape(w, vocab), tensor.WithBacking(make([]float64, w*vocab)))
	n.context = gorgonia.NewMatrix(g, dtype,
		gorgonia.WithShape(w, vocab),
		gorgonia.WithName("context"),
		gorgonia.WithValue(n.ctxBuf),
	)
	n.logits = n.forward(n.context)
	return n, nil
}

func (n *network) constMatrix(name string, rows, cols int, at func(i, j int) float64) *gorgonia.Node {
	backing := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			backing[i*cols+j] = at(i, j)
		}
	}
	return gorgonia.NewMatrix(n.g, dtype,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))),
	)
}

// ones returns a cached 1×width row of ones. Multiplying a column by it
// spreads one value per position across width columns.
func (n *network) ones(width int) *gorgonia.Node {
	if node, ok := n.rowOnes[width]; ok {
		return node
	}
	node := n.constMatrix(fmt.Sprintf("ones_row_%d", width), 1, width, func(int, int) float64 { return 1 })
	n.rowOnes[width] = node
	return node
}

// spread turns a per-row reduction of a rows×width matrix back into a
// rows×width matrix.
func (n *network) spread(reduced *gorgonia.Node, rows, width int) *gorgonia.Node {
	col := gorgonia.Must(gorgonia.Reshape(reduced, tensor.Shape{rows, 1}))
	return gorgonia.Must(gorgonia.Mul(col, n.ones(width)))
}

// shiftRows subtracts each row's maximum so Exp cannot overflow. Softmax
// is invariant to the shift.
func (n *network) shiftRows(x *gorgonia.Node) *gorgonia.Node {
	rows, width := x.Shape()[0], x.Shape()[1]
	return gorgonia.Must(gorgonia.Sub(x, n.spread(gorgonia.Must(gorgonia.Max(x, 1)), rows, width)))
}

// softmaxRows normalises every row of x. gorgonia.SoftMax on a matrix only
// differentiates through the first row, so the row softmax is composed from
// elementwise ops and reductions.
func (n *network) softmaxRows(x *gorgonia.Node) *gorgonia.Node {
	rows, width := x.Shape()[0], x.Shape()[1]
	e := gorgonia.Must(gorgonia.Exp(n.shiftRows(x)))
	total := n.spread(gorgonia.Must(gorgonia.Sum(e, 1)), rows, width)
	return gorgonia.Must(gorgonia.HadamardDiv(e, total))
}

// logSoftmaxRows is log(softmaxRows(x)) without taking the log of a
// probability that may have underflowed.
func (n *network) logSoftmaxRows(x *gorgonia.Node) *gorgonia.Node {
	rows, width := x.Shape()[0], x.Shape()[1]
	shifted := n.shiftRows(x)
	total := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.Exp(shifted)), 1))
	lse := n.spread(gorgonia.Must(gorgonia.Log(total)), rows, width)
	return gorgonia.Must(gorgonia.Sub(shifted, lse))
}

func (n *network) param(name string) *gorgonia.Node {
	node, ok := n.byName[name]
	if !ok {
		panic(fmt.Sprintf("onyx: unknown parameter %q", name))
	}
	return node
}

func (n *network) forward(oneHot *gorgonia.Node) *gorgonia.Node {
	tok := gorgonia.Must(gorgonia.Mul(oneHot, n.param("wte")))
	x := gorgonia.Must(gorgonia.Add(tok, n.param("wpe")))
	for l := 0; l < n.cfg.Layers; l++ {
		x = n.block(x, fmt.Sprintf("h%d.", l))
	}
	x = n.layerNorm(x, "lnf.")
	return n.linear(x, n.param("head.w"), n.param("head.b"))
}

// block applies x + attention(ln1(x)) followed by x + mlp(ln2(x)).
func (n *network) block(x *gorgonia.Node, prefix string) *gorgonia.Node {
	x = gorgonia.Must(gorgonia.Add(x, n.attention(n.layerNorm(x, prefix+"ln1."), prefix)))

	h := n.layerNorm(x, prefix+"ln2.")
	h = gorgonia.Must(gorgonia.Rectify(n.linear(h, n.param(prefix+"mlp.w1"), n.param(prefix+"mlp.b1"))))
	h = n.linear(h, n.param(prefix+"mlp.w2"), n.param(prefix+"mlp.b2"))
	return gorgonia.Must(gorgonia.Add(x, h))
}

// attention runs each head on its own projections. Summing head·Wo over the
// heads equals concatenating the heads and projecting once.
func (n *network) attention(x *gorgonia.Node, prefix string) *gorgonia.Node {
	var out *gorgonia.Node
	for h := 0; h < n.cfg.Heads; h++ {
		a := fmt.Sprintf("%sattn%d.", prefix, h)
		q := n.linear(x, n.param(a+"wq"), n.param(a+"bq"))
		k := n.linear(x, n.param(a+"wk"), n.param(a+"bk"))
		v := n.linear(x, n.param(a+"wv"), n.param(a+"bv"))

		scores := gorgonia.Must(gorgonia.Mul(q, gorgonia.Must(gorgonia.Transpose(k))))
		scores = gorgonia.Must(gorgonia.Mul(scores, n.scale))
		scores = gorgonia.Must(gorgonia.Add(scores, n.mask))
		weights := n.softmaxRows(scores)

		head := gorgonia.Must(gorgonia.Mul(gorgonia.Must(gorgonia.Mul(weights, v)), n.param(a+"wo")))
		if out == nil {
			out = head
			continue
		}
		out = gorgonia.Must(gorgonia.Add(out, head))
	}
	return gorgonia.Must(gorgonia.Add(out, n.bias(n.param(prefix+"attn.bo"))))
}

func (n *network) layerNorm(x *gorgonia.Node, prefix string) *gorgonia.Node {
	rowOnes := n.ones(n.cfg.Embed)
	mean := gorgonia.Must(gorgonia.Mul(x, n.avg))
	centered := gorgonia.Must(gorgonia.Sub(x, gorgonia.Must(gorgonia.Mul(mean, rowOnes))))
	variance := gorgonia.Must(gorgonia.Mul(gorgonia.Must(gorgonia.Square(centered)), n.avg))
	std := gorgonia.Must(gorgonia.Sqrt(gorgonia.Must(gorgonia.Add(variance, n.eps))))
	inv := gorgonia.Must(gorgonia.Mul(gorgonia.Must(gorgonia.Inverse(std)), rowOnes))
	xhat := gorgonia.Must(gorgonia.HadamardProd(centered, inv))

	gain := gorgonia.Must(gorgonia.Mul(n.colOnes, n.param(prefix+"g")))
	scaled := gorgonia.Must(gorgonia.HadamardProd(xhat, gain))
	return gorgonia.Must(gorgonia.Add(scaled, n.bias(n.param(prefix+"b"))))
}

func (n *network) linear(x, w, b *gorgonia.Node) *gorgonia.Node {
	return gorgonia.Must(gorgonia.Add(gorgonia.Must(gorgonia.Mul(x, w)), n.bias(b)))
}

// bias repeats a 1×k row over every position.
func (n *network) bias(b *gorgonia.Node) *gorgonia.Node {
	return gorgonia.Must(gorgonia.Mul(n.colOnes, b))
}

// setWindow loads a window of indices into the one-hot context input. Windows
// longer than the model width keep only the most recent positions.
func (n *network) setWindow(window []int) error {
	w := n.cfg.Window
	if len(window) > w {
		window = window[len(window)-w:]
	}
	if len(window) < w {
		return fmt.Errorf("window of %d tokens, model needs %d", len(window), w)
	}
	buf := n.ctxBuf.Data().([]float64)
	for i := range buf {
		buf[i] = 0
	}
	for pos, id := range window {
		if id < 0 || id >= n.vocab {
			return fmt.Errorf("token %d at position %d outside vocabulary of %d", id, pos, n.vocab)
		}
		buf[pos*n.vocab+id] = 1
	}
	return gorgonia.Let(n.context, n.ctxBuf)
}

// Params returns the live parameter tensors held by the graph.
func (n *network) Params() *Params {
	p := &Params{names: n.names, values: make(map[string]*tensor.Dense, len(n.names))}
	for i, name := range n.names {
		p.values[name] = n.learnables[i].Value().(*tensor.Dense)
	}
	return p
}

// TrainingModel adds a cross-entropy loss, gradients and an Adam solver on
// top of the network.
type TrainingModel struct {
	*network
	target    *gorgonia.Node
	targetBuf *tensor.Dense
	loss      *gorgonia.Node
	lossVal   gorgonia.Value
	vm        gorgonia.VM
	solver    gorgonia.Solver
}

func NewTrainingModel(cfg Config, vocab int, params *Params) (*TrainingModel, error) {
	n, err := newNetwork(cfg, vocab, params)
	if err != nil {
		return nil, err
	}
	w := cfg.Window
	m := &TrainingModel{network: n}
	m.targetBuf = tensor.New(tensor.WithShape(w, vocab), tensor.WithBacking(make([]float64, w*vocab)))
	m.target = gorgonia.NewMatrix(n.g, dtype,
		gorgonia.WithShape(w, vocab),
		gorgonia.WithName("target"),
		gorgonia.WithValue(m.targetBuf),
	)

	// Mean over positions of -log p(target).
	logp := n.logSoftmaxRows(n.logits)
	picked := gorgonia.Must(gorgonia.HadamardProd(logp, m.target))
	m.loss = gorgonia.Must(gorgonia.Mul(gorgonia.Must(gorgonia.Sum(picked)), gorgonia.NewConstant(-1/float64(w), gorgonia.WithName("neg_inv_window"))))
	gorgonia.Read(m.loss, &m.lossVal)

	if _, err := gorgonia.Grad(m.loss, n.learnables...); err != nil {
		return nil, fmt.Errorf("build gradients: %w", err)
	}
	m.vm = gorgonia.NewTapeMachine(n.g, gorgonia.BindDualValues(n.learnables...))

	opts := []gorgonia.SolverOpt{gorgonia.WithLearnRate(cfg.LearningRate)}
	if cfg.WeightDecay > 0 {
		opts = append(opts, gorgonia.WithL2Reg(cfg.WeightDecay))
	}
	m.solver = gorgonia.NewAdamSolver(opts...)
	return m, nil
}

// Step runs one forward/backward pass on a window pair and applies one
// optimizer update. It returns the loss before the update.
func (m *TrainingModel) Step(input, target []int) (float64, error) {
	defer m.vm.Reset()
	loss, err := m.evaluate(input, target)
	if err != nil {
		return 0, err
	}
	if err := m.solver.Step(gorgonia.NodesToValueGrads(m.learnables)); err != nil {
		return 0, fmt.Errorf("solver step: %w", err)
	}
	return loss, nil
}

// evaluate runs forward and backward without touching the parameters. The
// gradients stay on the learnables until the machine is reset.
func (m *TrainingModel) evaluate(input, target []int) (float64, error) {
	if len(target) != m.cfg.Window {
		return 0, fmt.Errorf("target of %d tokens, model needs %d", len(target), m.cfg.Window)
	}
	if err := m.setWindow(input); err != nil {
		return 0, err
	}
	buf := m.targetBuf.Data().([]float64)
	for i := range buf {
		buf[i] = 0
	}
	for pos, id := range target {
		if id < 0 || id >= m.vocab {
			return 0, fmt.Errorf("target %d at position %d outside vocabulary of %d", id, pos, m.vocab)
		}
		buf[pos*m.vocab+id] = 1
	}
	if err := gorgonia.Let(m.target, m.targetBuf); err != nil {
		return 0, err
	}

	if err := m.vm.RunAll(); err != nil {
		return 0, fmt.Errorf("forward/backward: %w", err)
	}
	loss, ok := m.lossVal.Data().(float64)
	if !ok {
		return 0, fmt.Errorf("unexpected loss value %v", m.lossVal)
	}
	return loss, nil
}

func (m *TrainingModel) Close() error {
	return m.vm.Close()
}

// Inference runs the network without gradients.
type Inference struct {
	*network
	vm gorgonia.VM
}

func NewInference(cfg Config, vocab int, params *Params) (*Inference, error) {
	n, err := newNetwork(cfg, vocab, params)
	if err != nil {
		return nil, err
	}
	return &Inference{network: n, vm: gorgonia.NewTapeMachine(n.g)}, nil
}

// NextLogits returns the logits of the position after the window.
func (m *Inference) NextLogits(window []int) ([]float64, error) {
	if err := m.setWindow(window); err != nil {
		return nil, err
	}
	defer m.vm.Reset()
	if err := m.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	all, ok := m.logits.Value().Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("unexpected logits value %v", m.logits.Value())
	}
	last := make([]float64, m.vocab)
	copy(last, all[(m.cfg.Window-1)*m.vocab:])
	return last, nil
}

func (m *Inference) Close() error {
	return m.vm.Close()
}
