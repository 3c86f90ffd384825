package iter

import (
	"github.com/go-delve/vmi/pkg/vmi"
)

// TreeLayout locates the links of a binary tree node.
type TreeLayout struct {
	Left, Right, Parent uint64
	// ParentMask holds the low bits of the parent link used for other
	// purposes (balance or color), they are cleared before following it.
	ParentMask uint64
}

// BalancedNodeLayout is the layout of RTL_BALANCED_NODE.
var BalancedNodeLayout = TreeLayout{Left: 0, Right: 8, Parent: 16, ParentMask: 3}

// RBNodeLayout is the layout of Linux struct rb_node.
var RBNodeLayout = TreeLayout{Parent: 0, Right: 8, Left: 16, ParentMask: 3}

type treeResult struct {
	node vmi.VA
	err  error
}

// Tree walks a binary search tree with parent links in order, yielding
// node addresses sorted by the tree's key.
type Tree struct {
	walk
	layout  TreeLayout
	root    vmi.VA
	cur     vmi.VA
	started bool
	queue   []treeResult
}

// NewTree returns an iterator over the tree whose root node is root. A
// zero root is an empty tree.
func NewTree(ctx *vmi.Context, root vmi.VA, layout TreeLayout, lim Limits) *Tree {
	if layout.ParentMask == 0 {
		layout.ParentMask = 3
	}
	return &Tree{walk: newWalk(ctx, "tree", lim), layout: layout, root: root}
}

// Next returns the next node. A left or right link that can not be read
// is reported as an error and the subtree behind it is skipped; a parent
// link that can not be read ends the walk.
func (it *Tree) Next() (vmi.VA, error) {
	for len(it.queue) == 0 {
		if it.done {
			return 0, Done
		}
		it.advance()
	}
	r := it.queue[0]
	it.queue = it.queue[1:]
	if r.err != nil {
		err := it.fail(r.err)
		if it.done {
			it.queue = nil
		}
		return 0, err
	}
	return r.node, nil
}

func (it *Tree) push(node vmi.VA, err error) {
	it.queue = append(it.queue, treeResult{node, err})
}

func (it *Tree) advance() {
	if !it.started {
		it.started = true
		if it.root == 0 || !it.descend(it.root) {
			it.done = true
		}
		return
	}
	right, err := it.readPtr(it.cur + vmi.VA(it.layout.Right))
	if err != nil {
		it.push(0, err)
		right = 0
	}
	if right != 0 && it.descend(right) {
		return
	}
	it.climb(it.cur)
}

// descend yields the leftmost node of the subtree at n. If a node on the
// way can not be read its subtree is skipped and its parent is yielded
// instead. descend returns false if n itself can not be read.
func (it *Tree) descend(n vmi.VA) bool {
	var prev vmi.VA
	for {
		if err := it.hop(n); err != nil {
			it.push(0, err)
			return true
		}
		left, err := it.readPtr(n + vmi.VA(it.layout.Left))
		if err != nil {
			it.push(0, err)
			if prev == 0 {
				return false
			}
			n = prev
			break
		}
		if left == 0 {
			break
		}
		prev, n = n, left
	}
	it.cur = n
	it.push(n, nil)
	return true
}

// climb yields the first ancestor of n whose left subtree contains n.
func (it *Tree) climb(n vmi.VA) {
	for {
		if err := it.hop(n); err != nil {
			it.push(0, err)
			return
		}
		parent, err := it.readPtr(n + vmi.VA(it.layout.Parent))
		if err != nil {
			it.done = true
			it.push(0, err)
			return
		}
		parent &^= vmi.VA(it.layout.ParentMask)
		if parent == 0 || parent == n {
			it.done = true
			return
		}
		right, err := it.readPtr(parent + vmi.VA(it.layout.Right))
		if err != nil {
			it.done = true
			it.push(0, err)
			return
		}
		if right != n {
			it.cur = parent
			it.push(parent, nil)
			return
		}
		n = parent
	}
}
