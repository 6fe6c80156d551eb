package normalizer

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mmdatafocus/hours_backend/models"
	"github.com/mmdatafocus/hours_backend/utils"
	"github.com/shopspring/decimal"
)

const (
	NodeProject = "project"
	NodeUnit    = "unit"
	NodePhase   = "phase"
	NodeTask    = "task"
)

const (
	BucketUnknownProject     = "skipped_unknown_project"
	BucketMissingProject     = "dropped_missing_project"
	BucketDanglingDependency = "dangling_dependency"
	BucketProjectRows        = "project_rows"
)

var HierarchySchema = NewSchema("hierarchy", "project_id",
	Field{Name: "project_id", Kind: KindString, Aliases: []string{"project_id", "project_number", "project", "job_id", "project_code"}},
	Field{Name: "unique_id", Kind: KindString, Aliases: []string{"unique_id", "uid", "task_uid", "guid"}},
	Field{Name: "task_number", Kind: KindString, Aliases: []string{"task_id", "task_number", "id"}},
	Field{Name: "outline_number", Kind: KindString, Aliases: []string{"outline_number", "wbs", "wbs_code", "outline"}},
	Field{Name: "name", Kind: KindString, Aliases: []string{"name", "task_name", "title"}},
	Field{Name: "code", Kind: KindString, Aliases: []string{"task_code", "code", "charge_code"}},
	Field{Name: "outline_level", Kind: KindNumber, Aliases: []string{"outline_level", "level", "indent"}},
	Field{Name: "hierarchy_type", Kind: KindString, Aliases: []string{"hierarchy_type", "node_type", "type"}},
	Field{Name: "parent_id", Kind: KindString, Aliases: []string{"parent_id", "parent_uid", "parent"}},
	Field{Name: "is_summary", Kind: KindBool, Aliases: []string{"is_summary", "summary"}},
	Field{Name: "active", Kind: KindBool, Aliases: []string{"active", "is_active"}},
	Field{Name: "is_critical", Kind: KindBool, Aliases: []string{"is_critical", "critical"}},
	Field{Name: "start_date", Kind: KindDate, Aliases: []string{"start_date", "start"}},
	Field{Name: "finish_date", Kind: KindDate, Aliases: []string{"end_date", "finish_date", "finish"}},
	Field{Name: "percent_complete", Kind: KindNumber, Aliases: []string{"percent_complete", "pct_complete", "complete"}},
	Field{Name: "baseline_hours", Kind: KindNumber, Aliases: []string{"baseline_hours", "baseline_work", "budget_hours"}},
	Field{Name: "baseline_cost", Kind: KindNumber, Aliases: []string{"baseline_cost", "budget_cost"}},
	Field{Name: "remaining_hours", Kind: KindNumber, Aliases: []string{"remaining_hours", "remaining_work"}},
	Field{Name: "assigned_resource", Kind: KindString, Aliases: []string{"assigned_resource", "resource_names", "resources"}},
	Field{Name: "predecessors", Kind: KindList, Aliases: []string{"predecessors", "predecessor_links"}},
)

// DependencyCoverage reports how many leaf tasks take part in at least one link.
type DependencyCoverage struct {
	LeafTasks       int     `json:"leaf_tasks"`
	LinkedLeafTasks int     `json:"linked_leaf_tasks"`
	IsolatedLeaf    int     `json:"isolated_leaf_tasks"`
	CoveragePercent float64 `json:"coverage_percent"`
}

type HierarchyResult struct {
	Phases       []models.Phase          `json:"-"`
	Tasks        []models.Task           `json:"-"`
	Dependencies []models.TaskDependency `json:"-"`
	Coverage     DependencyCoverage      `json:"coverage"`
	Tally
}

type planNode struct {
	rowIdx    int
	ref       string
	synthetic bool
	name      string
	code      string
	level     int
	kind      string
	parentRef string
	r         row
	preds     []predLink

	phaseRef string
	unitName string
}

type predLink struct {
	ref      string
	relation string
	lagDays  int
}

// NormalizeHierarchy maps project-plan rows (units, phases, tasks) to phases, tasks and
// task dependencies. Rows of unknown projects are skipped and counted.
func NormalizeHierarchy(records []Record, opts Options) HierarchyResult {
	var res HierarchyResult
	res.count(BucketReceived, len(records))
	s := HierarchySchema

	// Group by project, keeping first-seen project order and row order.
	var projectOrder []string
	byProject := map[string][]planNode{}
	for i, rec := range records {
		r := newRow(rec)
		projectExt := r.str(s.Field("project_id"))
		if projectExt == "" {
			res.drop(i, utils.ErrorKindValidation, BucketMissingProject, "", "plan row has no project reference")
			continue
		}
		if opts.Snapshot != nil && !opts.Snapshot.HasProject(utils.DeriveID(utils.IDKindProject, projectExt)) {
			res.drop(i, utils.ErrorKindForeignKey, BucketUnknownProject, projectExt, "plan row references unknown project %s", projectExt)
			continue
		}
		if _, ok := byProject[projectExt]; !ok {
			projectOrder = append(projectOrder, projectExt)
		}
		byProject[projectExt] = append(byProject[projectExt], planNode{rowIdx: i, r: r})
	}

	for _, projectExt := range projectOrder {
		normalizeProjectPlan(projectExt, byProject[projectExt], opts, &res)
	}

	res.Phases = dedupeByID(res.Phases, &res.Tally)
	res.Tasks = dedupeByID(res.Tasks, &res.Tally)
	res.Dependencies = dedupeByID(res.Dependencies, &res.Tally)
	res.count(NodePhase+"s", len(res.Phases))
	res.count(NodeTask+"s", len(res.Tasks))
	res.count("dependencies", len(res.Dependencies))
	res.count(BucketNormalized, len(res.Phases)+len(res.Tasks))
	return res
}

func normalizeProjectPlan(projectExt string, rows []planNode, opts Options, res *HierarchyResult) {
	s := HierarchySchema
	projectID := utils.DeriveID(utils.IDKindProject, projectExt)

	nodes := make([]*planNode, 0, len(rows))
	seen := map[string]bool{}
	for pos := range rows {
		n := &rows[pos]
		n.ref, n.synthetic = nodeRef(n.r, pos+1)
		if seen[n.ref] {
			res.count(BucketDuplicate, 1)
			continue
		}
		seen[n.ref] = true
		n.name = n.r.str(s.Field("name"))
		n.code = n.r.str(s.Field("code"))
		n.level = int(n.r.num(s.Field("outline_level")).IntPart())
		n.kind = nodeKind(n.r.str(s.Field("hierarchy_type")), n.level)
		n.parentRef = n.r.str(s.Field("parent_id"))
		n.preds = parsePredecessors(n.r.list(s.Field("predecessors")))
		if n.synthetic {
			res.synthetic()
		}
		nodes = append(nodes, n)
	}

	byRef := make(map[string]*planNode, len(nodes))
	for _, n := range nodes {
		byRef[n.ref] = n
	}

	// Parents come from the explicit reference, else from the outline structure:
	// the nearest preceding node with a lower level.
	var stack []*planNode
	for _, n := range nodes {
		for len(stack) > 0 && stack[len(stack)-1].level >= n.level {
			stack = stack[:len(stack)-1]
		}
		if n.parentRef == "" || byRef[n.parentRef] == nil {
			n.parentRef = ""
			if len(stack) > 0 {
				n.parentRef = stack[len(stack)-1].ref
			}
		}
		stack = append(stack, n)
	}

	for _, n := range nodes {
		for p, hops := byRef[n.parentRef], 0; p != nil && hops < len(nodes); p, hops = byRef[p.parentRef], hops+1 {
			if n.phaseRef == "" && p.kind == NodePhase {
				n.phaseRef = p.ref
			}
			if n.unitName == "" && p.kind == NodeUnit {
				n.unitName = p.name
			}
		}
	}

	hasChildTask := map[string]bool{}
	for _, n := range nodes {
		if n.kind == NodeTask && n.parentRef != "" {
			hasChildTask[n.parentRef] = true
		}
	}

	now := opts.now()
	taskIDByRef := map[string]string{}
	var projectTasks []*planNode
	for pos, n := range nodes {
		switch n.kind {
		case NodeProject:
			res.count(BucketProjectRows, 1)
		case NodeUnit:
			res.count(NodeUnit+"s", 1)
		case NodePhase:
			id := utils.DeriveID(utils.IDKindPhase, projectExt, n.ref)
			if n.synthetic {
				id = utils.SyntheticID(utils.IDKindPhase, projectExt, n.name, n.rowIdx)
			}
			res.Phases = append(res.Phases, models.Phase{
				ID:          id,
				ProjectId:   projectID,
				SourceRef:   n.ref,
				Code:        n.code,
				Name:        n.name,
				UnitName:    n.unitName,
				SortOrder:   pos,
				StartDate:   n.r.date(s.Field("start_date")),
				FinishDate:  n.r.date(s.Field("finish_date")),
				BudgetHours: n.r.num(s.Field("baseline_hours")),
				SyntheticId: n.synthetic,
				SyncedAt:    now,
			})
		case NodeTask:
			id := utils.DeriveID(utils.IDKindTask, projectExt, n.phaseRef, n.unitName, n.ref)
			if n.synthetic {
				id = utils.SyntheticID(utils.IDKindTask, projectExt, n.phaseRef+"/"+n.name, n.rowIdx)
			}
			var phaseID *string
			if n.phaseRef != "" {
				p := byRef[n.phaseRef]
				pid := utils.DeriveID(utils.IDKindPhase, projectExt, p.ref)
				if p.synthetic {
					pid = utils.SyntheticID(utils.IDKindPhase, projectExt, p.name, p.rowIdx)
				}
				phaseID = &pid
			}
			summary, _ := n.r.flag(s.Field("is_summary"))
			active, present := n.r.flag(s.Field("active"))
			if !present {
				active = true
			}
			critical, _ := n.r.flag(s.Field("is_critical"))
			taskIDByRef[n.ref] = id
			projectTasks = append(projectTasks, n)
			res.Tasks = append(res.Tasks, models.Task{
				ID:               id,
				ProjectId:        projectID,
				PhaseId:          phaseID,
				ParentRef:        n.parentRef,
				SourceRef:        n.ref,
				Code:             n.code,
				Name:             n.name,
				UnitName:         n.unitName,
				OutlineLevel:     n.level,
				SortOrder:        pos,
				IsSummary:        summary || hasChildTask[n.ref],
				IsActive:         active,
				IsCritical:       critical,
				StartDate:        n.r.date(s.Field("start_date")),
				FinishDate:       n.r.date(s.Field("finish_date")),
				BaselineHours:    n.r.num(s.Field("baseline_hours")),
				BaselineCost:     n.r.num(s.Field("baseline_cost")),
				RemainingHours:   n.r.num(s.Field("remaining_hours")),
				PercentComplete:  n.r.num(s.Field("percent_complete")),
				AssignedResource: n.r.str(s.Field("assigned_resource")),
				SyntheticId:      n.synthetic,
				SyncedAt:         now,
			})
		}
	}

	linked := map[string]bool{}
	for _, n := range projectTasks {
		succID := taskIDByRef[n.ref]
		for _, link := range n.preds {
			predID, ok := taskIDByRef[link.ref]
			if !ok {
				predID, ok = taskIDByRef["task-"+link.ref]
			}
			if !ok || predID == succID {
				res.warn(n.rowIdx, utils.ErrorKindForeignKey, BucketDanglingDependency, n.ref, "predecessor %q of %q is not a task of project %s", link.ref, n.ref, projectExt)
				continue
			}
			linked[predID] = true
			linked[succID] = true
			res.Dependencies = append(res.Dependencies, models.TaskDependency{
				ID:            utils.DeriveID(utils.IDKindDependency, projectExt, predID, succID),
				ProjectId:     projectID,
				PredecessorId: predID,
				SuccessorId:   succID,
				Relation:      link.relation,
				LagDays:       link.lagDays,
				SyncedAt:      now,
			})
		}
	}

	var leaf, linkedLeaf int
	for _, n := range projectTasks {
		summary, _ := n.r.flag(s.Field("is_summary"))
		if summary || hasChildTask[n.ref] {
			continue
		}
		leaf++
		if linked[taskIDByRef[n.ref]] {
			linkedLeaf++
		}
	}
	c := &res.Coverage
	c.LeafTasks += leaf
	c.LinkedLeafTasks += linkedLeaf
	c.IsolatedLeaf = c.LeafTasks - c.LinkedLeafTasks
	if c.LeafTasks > 0 {
		c.CoveragePercent = math.Round(float64(c.LinkedLeafTasks)/float64(c.LeafTasks)*10000) / 100
	}
}

// nodeRef is the node's source reference: unique id, then task-<id>, then outline-<n>,
// then row-<position>. Only the last is positional and therefore synthetic.
func nodeRef(r row, position int) (string, bool) {
	s := HierarchySchema
	if uid := r.str(s.Field("unique_id")); uid != "" {
		return uid, false
	}
	if tid := r.str(s.Field("task_number")); tid != "" {
		return "task-" + tid, false
	}
	if outline := r.str(s.Field("outline_number")); outline != "" {
		return "outline-" + outline, false
	}
	return "row-" + strconv.Itoa(position), true
}

func nodeKind(explicit string, level int) string {
	switch strings.ToLower(strings.TrimSpace(explicit)) {
	case NodeProject:
		return NodeProject
	case NodeUnit:
		return NodeUnit
	case NodePhase:
		return NodePhase
	case NodeTask, "work_package", "workpackage":
		return NodeTask
	}
	switch {
	case level == 2:
		return NodeUnit
	case level == 3:
		return NodePhase
	case level >= 4:
		return NodeTask
	}
	return NodeProject
}

// predecessor text form: "12", "12FS", "12SS+2d", "14FF-1 days".
var predTextRe = regexp.MustCompile(`^\s*([A-Za-z0-9._-]+?)\s*(FS|SS|FF|SF)?\s*(?:([+-])\s*(\d+(?:\.\d+)?)\s*(?:d|day|days|ed|edays)?)?\s*$`)

func parsePredecessors(items []any) []predLink {
	out := make([]predLink, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case map[string]any:
			r := newRow(v)
			ref := r.str(Field{Aliases: []string{"predecessor_uid", "predecessor_task_id", "predecessor_id", "task_id", "id"}})
			if ref == "" {
				continue
			}
			lag := r.num(Field{Aliases: []string{"lag_days", "lag"}})
			out = append(out, predLink{
				ref:      ref,
				relation: NormalizeRelation(r.str(Field{Aliases: []string{"relationship", "relation", "type"}})),
				lagDays:  int(lag.Round(0).IntPart()),
			})
		default:
			text := toString(v)
			m := predTextRe.FindStringSubmatch(text)
			if m == nil {
				continue
			}
			lag := 0
			if m[4] != "" {
				d, _ := decimal.NewFromString(m[4])
				lag = int(d.Round(0).IntPart())
				if m[3] == "-" {
					lag = -lag
				}
			}
			out = append(out, predLink{ref: m[1], relation: NormalizeRelation(m[2]), lagDays: lag})
		}
	}
	return out
}

// NormalizeRelation maps any relation spelling onto FS, SS, FF or SF. Unknown is FS.
func NormalizeRelation(rel string) string {
	upper := strings.ToUpper(strings.TrimSpace(rel))
	compact := strings.NewReplacer("_", "", "-", "", " ", "").Replace(upper)
	switch {
	case strings.Contains(upper, "FINISH_START"), compact == "FS", compact == "FINISHSTART", compact == "FINISHTOSTART":
		return models.RelationFinishToStart
	case strings.Contains(upper, "START_START"), compact == "SS", compact == "STARTSTART", compact == "STARTTOSTART":
		return models.RelationStartToStart
	case strings.Contains(upper, "FINISH_FINISH"), compact == "FF", compact == "FINISHFINISH", compact == "FINISHTOFINISH":
		return models.RelationFinishToFinish
	case strings.Contains(upper, "START_FINISH"), compact == "SF", compact == "STARTFINISH", compact == "STARTTOFINISH":
		return models.RelationStartToFinish
	}
	return models.RelationFinishToStart
}
