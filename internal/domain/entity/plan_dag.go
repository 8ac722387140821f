package entity

import "fmt"

// ValidateGroups 校验组依赖构成 DAG 并返回拓扑序。
// 重复组 id 返回 ErrPlanMalformed; 自依赖或环返回的错误同时匹配
// ErrPlanMalformed 与 ErrPlanCycle; 未知依赖忽略。
// 组内不允许步骤互相依赖 — 互相依赖的步骤属于不同的组。
func (p *UnifiedPlan) ValidateGroups() ([]*StepGroup, error) {
	index := make(map[string]*StepGroup, len(p.Groups))
	for _, g := range p.Groups {
		if _, dup := index[g.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate group id %q", ErrPlanMalformed, g.ID)
		}
		index[g.ID] = g
	}

	// Kahn 拓扑排序; 未知依赖忽略 (视为已满足)。
	indegree := make(map[string]int, len(p.Groups))
	dependents := make(map[string][]string)
	for _, g := range p.Groups {
		indegree[g.ID] = 0
	}
	for _, g := range p.Groups {
		for _, dep := range g.DependsOn {
			if dep == g.ID {
				return nil, fmt.Errorf("%w: %w: group %q depends on itself", ErrPlanMalformed, ErrPlanCycle, g.ID)
			}
			if _, known := index[dep]; !known {
				continue
			}
			indegree[g.ID]++
			dependents[dep] = append(dependents[dep], g.ID)
		}
	}

	// 声明顺序优先的队列, 保证稳定输出
	var queue []string
	for _, g := range p.Groups {
		if indegree[g.ID] == 0 {
			queue = append(queue, g.ID)
		}
	}

	ordered := make([]*StepGroup, 0, len(p.Groups))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, index[id])
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(ordered) != len(p.Groups) {
		return nil, fmt.Errorf("%w: %w: %d groups unreachable", ErrPlanMalformed, ErrPlanCycle, len(p.Groups)-len(ordered))
	}
	return ordered, nil
}
