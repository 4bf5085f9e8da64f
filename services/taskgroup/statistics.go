package taskgroup

import (
	"fmt"
	"sort"

	"github.com/upb/llm-echelon/models"
	"github.com/upb/llm-echelon/services/breaker"
	"github.com/upb/llm-echelon/services/pool"
	"github.com/upb/llm-echelon/services/ratelimit"
)

// EchelonStatistics describes one echelon and its runtime state
type EchelonStatistics struct {
	Name             string          `json:"name"`
	Priority         int             `json:"priority"`
	Weight           int             `json:"weight"`
	Models           []string        `json:"models"`
	ModelType        string          `json:"modelType"`
	ConcurrencyLimit int             `json:"concurrencyLimit"`
	InFlight         int             `json:"inFlight"`
	RPM              ratelimit.Usage `json:"rpm"`
	Instances        pool.Statistics `json:"instances"`
}

// GroupStatistics describes one task group
type GroupStatistics struct {
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	TotalEchelons  int                 `json:"totalEchelons"`
	ActiveEchelons int                 `json:"activeEchelons"`
	TotalModels    int                 `json:"totalModels"`
	FallbackType   models.FallbackType `json:"fallbackType"`
	FallbackGroups []string            `json:"fallbackGroups"`
	CircuitBreaker breaker.Snapshot    `json:"circuitBreaker"`
	Echelons       []EchelonStatistics `json:"echelons"`
	Error          string              `json:"error,omitempty"`
}

// Statistics aggregates every registered task group
type Statistics struct {
	TotalGroups   int               `json:"totalGroups"`
	TotalEchelons int               `json:"totalEchelons"`
	UniqueModels  int               `json:"uniqueModels"`
	Groups        []GroupStatistics `json:"groups"`
	// ModelFrequency counts the echelons each model appears in
	ModelFrequency map[string]int `json:"modelFrequency"`
	// EchelonSizeDistribution maps models-per-echelon to the number of echelons of that size
	EchelonSizeDistribution map[int]int `json:"echelonSizeDistribution"`
	// ModelTypeDistribution counts echelons per model type
	ModelTypeDistribution map[string]int `json:"modelTypeDistribution"`
}

// Statistics describes the group and the runtime state of its echelons
func (g *TaskGroup) Statistics() GroupStatistics {
	stats := GroupStatistics{
		Name:           g.name,
		Description:    g.config.Description,
		TotalEchelons:  len(g.order),
		ActiveEchelons: g.ActiveEchelons(),
		TotalModels:    len(g.AvailableModels()),
		FallbackType:   g.config.FallbackStrategy.Type,
		FallbackGroups: g.FallbackGroups(),
		CircuitBreaker: g.breaker.Snapshot(),
		Echelons:       make([]EchelonStatistics, 0, len(g.order)),
	}

	for _, e := range g.order {
		es := EchelonStatistics{
			Name:             e.Name(),
			Priority:         e.Priority(),
			Weight:           e.Weight(),
			Models:           e.Models(),
			ModelType:        e.config.ModelType,
			ConcurrencyLimit: e.config.ConcurrencyLimit,
		}
		if rt, ok := g.runtimes[e.Name()]; ok {
			es.InFlight = rt.InFlight()
			es.RPM = rt.RateUsage()
			es.Instances = rt.pool.Statistics()
		}
		stats.Echelons = append(stats.Echelons, es)
	}
	return stats
}

func safeStatistics(g *TaskGroup, name string) (gs GroupStatistics) {
	defer func() {
		if r := recover(); r != nil {
			gs = GroupStatistics{Name: name, Error: fmt.Sprintf("statistics panicked: %v", r)}
		}
	}()
	return g.Statistics()
}

func aggregate(groups []*TaskGroup) Statistics {
	stats := Statistics{
		TotalGroups:             len(groups),
		Groups:                  make([]GroupStatistics, 0, len(groups)),
		ModelFrequency:          make(map[string]int),
		EchelonSizeDistribution: make(map[int]int),
		ModelTypeDistribution:   make(map[string]int),
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Name() < groups[j].Name() })
	for _, g := range groups {
		gs := safeStatistics(g, g.Name())
		stats.Groups = append(stats.Groups, gs)
		if gs.Error != "" {
			continue
		}
		for _, es := range gs.Echelons {
			stats.TotalEchelons++
			stats.EchelonSizeDistribution[len(es.Models)]++
			stats.ModelTypeDistribution[es.ModelType]++
			for _, m := range es.Models {
				stats.ModelFrequency[m]++
			}
		}
	}
	stats.UniqueModels = len(stats.ModelFrequency)
	return stats
}
