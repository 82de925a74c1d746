package commit

import (
	"fmt"
	"sort"
	"strings"

	"github.com/superfly/storagemgr/errcode"
	"github.com/superfly/storagemgr/topology"
	"github.com/superfly/storagemgr/usage"
)

// Plan is the ordered list of actions a commit will run.
type Plan struct {
	Actions []Action `json:"actions"`
}

// Len returns the number of actions.
func (p *Plan) Len() int { return len(p.Actions) }

// Empty reports whether there is nothing to commit.
func (p *Plan) Empty() bool { return len(p.Actions) == 0 }

// ForStage returns the actions of one stage in run order.
func (p *Plan) ForStage(s Stage) []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Stage == s {
			out = append(out, a)
		}
	}
	return out
}

// Descriptions returns the display text of every action in run order.
func (p *Plan) Descriptions() []string {
	out := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		out[i] = a.Description
	}
	return out
}

// Destructive reports whether any action discards data.
func (p *Plan) Destructive() bool {
	for _, a := range p.Actions {
		if a.Destructive {
			return true
		}
	}
	return false
}

// node is an action under ordering. entity is the volume device or container name the
// action touches, owner the container holding it.
type node struct {
	action Action
	entity string
	owner  string
	rank   []int
	path   string
	// mount is the path an unmount frees or a mount claims.
	mount string
	seq   int
}

func (n *node) isVolume() bool { return n.action.Device != "" }

// graph holds the consumption relation between entities: consumes[x] lists the
// entities x is built from.
type graph struct {
	consumes map[string]map[string]bool
	entityOf map[string]string
}

func newGraph(containers []*topology.Container, records []usage.Record) *graph {
	g := &graph{
		consumes: map[string]map[string]bool{},
		entityOf: map[string]string{},
	}
	for _, c := range containers {
		if c.Disk != nil && c.Device != "" {
			g.entityOf[c.Device] = c.Name
		}
		for _, v := range c.Volumes {
			g.entityOf[v.Device] = v.Device
			for _, alt := range v.AltNames {
				g.entityOf[alt] = v.Device
			}
		}
	}
	for _, c := range containers {
		for _, dev := range c.Members() {
			g.add(c.Name, dev)
		}
		for _, v := range c.Volumes {
			for _, dev := range v.Members() {
				g.add(v.Device, dev)
			}
		}
	}
	for _, r := range records {
		g.add(r.Name, r.Device)
	}
	return g
}

func (g *graph) add(consumer, device string) {
	target, ok := g.entityOf[device]
	if !ok {
		target = device
	}
	if consumer == target {
		return
	}
	if g.consumes[consumer] == nil {
		g.consumes[consumer] = map[string]bool{}
	}
	g.consumes[consumer][target] = true
}

// uses reports whether the entity or owner of n is built from entity.
func (g *graph) uses(n *node, entity string) bool {
	return g.consumes[n.entity][entity] || (n.owner != n.entity && g.consumes[n.owner][entity])
}

// BuildPlan computes the ordered actions that realize every pending change of s. It
// fails with DependencyCycle if the actions of a stage can not be ordered.
func BuildPlan(s *topology.Storage) (*Plan, error) {
	containers := s.Containers()
	g := newGraph(containers, s.UsageRecords())

	b := &builder{unmounted: map[string]bool{}}
	for _, c := range containers {
		b.decrease(c)
	}
	for _, c := range containers {
		b.increase(c)
	}
	for _, c := range containers {
		b.format(c)
	}
	for _, c := range containers {
		b.mount(c)
	}

	plan := &Plan{}
	for _, stage := range Stages {
		ordered, err := order(stage, b.nodes[stage], g)
		if err != nil {
			return nil, err
		}
		for _, n := range ordered {
			plan.Actions = append(plan.Actions, n.action)
		}
	}
	return plan, nil
}

type builder struct {
	nodes     [4][]*node
	seq       int
	unmounted map[string]bool
}

func (b *builder) add(stage Stage, op Op, c *topology.Container, v *topology.Volume, member, desc string, destructive bool) {
	n := &node{
		action: Action{
			Stage:       stage,
			Op:          op,
			Kind:        c.Kind,
			Container:   c.Name,
			Member:      member,
			Description: desc,
			Destructive: destructive,
		},
		entity: c.Name,
		owner:  c.Name,
		seq:    b.seq,
	}
	if v != nil {
		n.action.Device = v.Device
		n.entity = v.Device
		switch op {
		case OpUnmount:
			n.mount = v.OrigMount
		case OpMount:
			n.mount = v.Mount
		}
	}
	n.rank, n.path = rankOf(stage, op, c, v)
	b.seq++
	b.nodes[stage] = append(b.nodes[stage], n)
}

func (b *builder) unmount(stage Stage, c *topology.Container, v *topology.Volume) {
	if !v.IsMounted || b.unmounted[v.Device] {
		return
	}
	b.unmounted[v.Device] = true
	b.add(stage, OpUnmount, c, v, "", describeVolume(OpUnmount, v), false)
}

func (b *builder) decrease(c *topology.Container) {
	for _, v := range c.Volumes {
		switch {
		case v.Deleted:
			b.unmount(StageDecrease, c, v)
			b.add(StageDecrease, OpRemoveVolume, c, v, "", describeVolume(OpRemoveVolume, v), v.Kind != topology.VolNfs)
		case v.NeedShrink():
			b.unmount(StageDecrease, c, v)
			b.add(StageDecrease, OpShrinkVolume, c, v, "", describeVolume(OpShrinkVolume, v), true)
		}
		if v.Raid != nil && !v.Created && !v.Deleted {
			for _, m := range v.Raid.Removed {
				b.add(StageDecrease, OpRemoveRaidMember, c, v, m, describeMember(OpRemoveRaidMember, v, m), false)
			}
		}
	}
	switch {
	case c.Deleted:
		b.add(StageDecrease, OpRemoveContainer, c, nil, "", describeContainer(OpRemoveContainer, c, ""), true)
	case c.Pool != nil:
		for _, pv := range c.Pool.Removed {
			b.add(StageDecrease, OpReduceContainer, c, nil, pv.Device, describeContainer(OpReduceContainer, c, pv.Device), false)
		}
	}
}

func (b *builder) increase(c *topology.Container) {
	if c.Deleted {
		return
	}
	if c.Disk != nil && c.Disk.NewLabel != "" {
		b.add(StageIncrease, OpWriteLabel, c, nil, "", describeContainer(OpWriteLabel, c, ""), true)
	}
	switch {
	case c.Created:
		b.add(StageIncrease, OpCreateContainer, c, nil, "", describeContainer(OpCreateContainer, c, ""), true)
	case c.Pool != nil:
		for _, pv := range c.Pool.Added {
			b.add(StageIncrease, OpExtendContainer, c, nil, pv.Device, describeContainer(OpExtendContainer, c, pv.Device), false)
		}
	}
	for _, v := range c.LiveVolumes() {
		if v.Kind == topology.VolNfs {
			continue
		}
		switch {
		case v.Created:
			b.add(StageIncrease, OpCreateVolume, c, v, "", describeVolume(OpCreateVolume, v), v.Raid != nil)
		case v.NeedExtend():
			b.unmount(StageIncrease, c, v)
			b.add(StageIncrease, OpGrowVolume, c, v, "", describeVolume(OpGrowVolume, v), false)
		}
		if v.Raid != nil && !v.Created {
			for _, m := range v.Raid.Added {
				b.add(StageIncrease, OpAddRaidMember, c, v, m, describeMember(OpAddRaidMember, v, m), false)
			}
		}
	}
}

func (b *builder) format(c *topology.Container) {
	for _, v := range c.LiveVolumes() {
		switch {
		case v.Format:
			b.unmount(StageFormat, c, v)
			b.add(StageFormat, OpFormat, c, v, "", describeVolume(OpFormat, v), true)
		case v.NeedLabel():
			b.add(StageFormat, OpSetLabel, c, v, "", describeVolume(OpSetLabel, v), false)
		}
	}
}

// mount also covers volumes an earlier stage unmounts, so they come back.
func (b *builder) mount(c *topology.Container) {
	for _, v := range c.LiveVolumes() {
		if v.NeedMountUpdate() || (b.unmounted[v.Device] && v.Mount != "") {
			b.add(StageMount, OpMount, c, v, "", describeVolume(OpMount, v), false)
		}
	}
}

// kindRank orders container kinds for the Increase stage. Loop groups sort last in every
// stage: their backing files live on filesystems the other kinds provide.
func kindRank(k topology.ContainerKind) int {
	if k == topology.KindLoop {
		return 100
	}
	return int(k)
}

func mountDepth(path string) int {
	if path == "" || path == "/" {
		return 0
	}
	return strings.Count(strings.TrimSuffix(path, "/"), "/")
}

func boolRank(first bool) int {
	if first {
		return 0
	}
	return 1
}

// rankOf computes the tie-break key of an action. Lower sorts first.
func rankOf(stage Stage, op Op, c *topology.Container, v *topology.Volume) ([]int, string) {
	kr := kindRank(c.Kind)
	switch stage {
	case StageDecrease:
		if c.Kind != topology.KindLoop {
			kr = -kr
		}
		if v == nil {
			return []int{kr, 1, 0, 0, 0, int(op)}, ""
		}
		return []int{kr, 0, boolRank(v.IsMounted), -mountDepth(v.OrigMount), -v.Num, int(op)}, ""
	case StageIncrease:
		if v == nil {
			return []int{kr, 0, 0, 0, int(op)}, ""
		}
		striped := v.LV != nil && v.LV.Stripes > 1
		return []int{kr, 1, boolRank(striped), v.Num, int(op)}, ""
	case StageFormat:
		return []int{kr, v.Num, int(op)}, ""
	}
	remount := v.Mount == v.OrigMount
	return []int{boolRank(v.Mount != "swap"), boolRank(remount)}, v.Mount
}

// precedes reports whether a must run before b within stage.
func precedes(stage Stage, g *graph, a, b *node) bool {
	if a.entity == b.entity {
		return a.action.Op == OpUnmount && b.action.Op != OpUnmount
	}
	// Nested mounts: unmount the inner path first, mount the outer path first.
	if a.action.Op == OpUnmount && b.action.Op == OpUnmount && beneath(a.mount, b.mount) {
		return true
	}
	if a.action.Op == OpMount && b.action.Op == OpMount && beneath(b.mount, a.mount) {
		return true
	}
	switch stage {
	case StageDecrease:
		// Volumes go before their container; consumers before what they consume.
		return (a.isVolume() && !b.isVolume() && a.owner == b.entity) || g.uses(a, b.entity)
	case StageIncrease:
		return (!a.isVolume() && b.isVolume() && b.owner == a.entity) || g.uses(b, a.entity)
	}
	return false
}

// beneath reports whether mount path child lies strictly inside parent.
func beneath(child, parent string) bool {
	if child == "" || parent == "" || child == "swap" || parent == "swap" || child == parent {
		return false
	}
	if parent == "/" {
		return strings.HasPrefix(child, "/")
	}
	return strings.HasPrefix(child, strings.TrimSuffix(parent, "/")+"/")
}

func less(a, b *node) bool {
	for i := 0; i < len(a.rank) && i < len(b.rank); i++ {
		if a.rank[i] != b.rank[i] {
			return a.rank[i] < b.rank[i]
		}
	}
	if a.path != b.path {
		return a.path < b.path
	}
	return a.seq < b.seq
}

// order sorts the nodes of one stage topologically, choosing the lowest-ranked ready
// node at each step.
func order(stage Stage, nodes []*node, g *graph) ([]*node, error) {
	n := len(nodes)
	after := make([][]int, n)
	indeg := make([]int, n)
	for i := range nodes {
		for j := range nodes {
			if i != j && precedes(stage, g, nodes[i], nodes[j]) {
				after[i] = append(after[i], j)
				indeg[j]++
			}
		}
	}

	done := make([]bool, n)
	out := make([]*node, 0, n)
	for len(out) < n {
		pick := -1
		for i := range nodes {
			if done[i] || indeg[i] > 0 {
				continue
			}
			if pick < 0 || less(nodes[i], nodes[pick]) {
				pick = i
			}
		}
		if pick < 0 {
			return nil, cycleError(stage, nodes, done)
		}
		done[pick] = true
		out = append(out, nodes[pick])
		for _, j := range after[pick] {
			indeg[j]--
		}
	}
	return out, nil
}

func cycleError(stage Stage, nodes []*node, done []bool) error {
	var stuck []string
	for i, nd := range nodes {
		if !done[i] {
			stuck = append(stuck, nd.entity)
		}
	}
	sort.Strings(stuck)
	return &errcode.Error{
		Code:   errcode.DependencyCycle,
		Op:     "plan",
		Device: strings.Join(stuck, ","),
		Detail: fmt.Sprintf("%s stage actions depend on each other: %s", stage, strings.Join(stuck, " ")),
	}
}
