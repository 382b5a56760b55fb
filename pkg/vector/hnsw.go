package vector

import (
	"container/heap"
	"encoding/gob"
	"errors"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"
)

// hnswNode is a node in the HNSW graph.
type hnswNode struct {
	ID        string
	Vector    []float32
	Level     int
	Neighbors [][]string // Neighbors at each level
	Deleted   bool
}

// hnswGraph implements the Hierarchical Navigable Small World index.
// Save/Load gob-encode M, EfConstruction, EntryPoint and Nodes; Load
// recomputes MaxM and ML, and Seed is not saved.
type hnswGraph struct {
	// Parameters
	M              int     // Max number of bi-directional links per node
	MaxM           int     // Max number of links for layer 0
	EfConstruction int     // Size of dynamic candidate list
	ML             float64 // Level assignment probability
	Seed           int64   // Random seed

	// Index data
	Nodes      map[string]*hnswNode
	EntryPoint string

	// Distance function
	distFunc func(a, b []float32) float32

	// Thread safety
	mu  sync.RWMutex
	rng *rand.Rand
}

// newHNSWGraph creates an HNSW graph with the given connectivity and
// construction candidate-list size.
func newHNSWGraph(m, efConstruction int, distFunc func(a, b []float32) float32) *hnswGraph {
	seed := time.Now().UnixNano()
	return &hnswGraph{
		M:              m,
		MaxM:           m * 2, // MaxM = 2*M for layer 0
		EfConstruction: efConstruction,
		ML:             1.0 / math.Log(2.0),
		Seed:           seed,
		Nodes:          make(map[string]*hnswNode),
		distFunc:       distFunc,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// Save serializes the graph to a writer.
func (h *hnswGraph) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	enc := gob.NewEncoder(w)

	if err := enc.Encode(h.M); err != nil {
		return err
	}
	if err := enc.Encode(h.EfConstruction); err != nil {
		return err
	}
	if err := enc.Encode(h.EntryPoint); err != nil {
		return err
	}
	if err := enc.Encode(len(h.Nodes)); err != nil {
		return err
	}
	for _, node := range h.Nodes {
		if err := enc.Encode(node); err != nil {
			return err
		}
	}
	return nil
}

// Load deserializes the graph from a reader.
func (h *hnswGraph) Load(r io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dec := gob.NewDecoder(r)

	if err := dec.Decode(&h.M); err != nil {
		return err
	}
	h.MaxM = h.M * 2
	h.ML = 1.0 / math.Log(2.0)

	if err := dec.Decode(&h.EfConstruction); err != nil {
		return err
	}
	if err := dec.Decode(&h.EntryPoint); err != nil {
		return err
	}

	var count int
	if err := dec.Decode(&count); err != nil {
		return err
	}

	h.Nodes = make(map[string]*hnswNode, count)
	for i := 0; i < count; i++ {
		var node hnswNode
		if err := dec.Decode(&node); err != nil {
			return err
		}
		h.Nodes[node.ID] = &node
	}
	return nil
}

// selectLevel randomly selects the level for a new node with exponential
// decay, capped at a reasonable maximum.
func (h *hnswGraph) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 {
		level++
		if level > 16 {
			break
		}
	}
	return level
}

// Insert adds a new vector to the graph. Re-inserting an existing id
// replaces its vector.
func (h *hnswGraph) Insert(id string, vector []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.Nodes[id]; ok {
		// Upsert: keep the node's position in the graph, swap the vector.
		// Links are not recomputed, so a changed vector keeps neighborhoods
		// chosen for its old value. Reindex stores through this same path;
		// only a graph built from empty gets fresh neighborhoods.
		existing.Vector = vector
		existing.Deleted = false
		return nil
	}

	level := h.selectLevel()
	node := &hnswNode{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]string, level+1),
	}
	for i := 0; i <= level; i++ {
		node.Neighbors[i] = make([]string, 0)
	}

	h.Nodes[id] = node

	// First node becomes the entry point.
	if h.EntryPoint == "" {
		h.EntryPoint = id
		return nil
	}

	currNearest := []string{h.EntryPoint}

	// Search from top layer down to the target layer.
	entryNode := h.Nodes[h.EntryPoint]
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = h.searchLayerClosest(vector, currNearest, 1, lc)
	}

	// Insert into all layers from level down to 0.
	for lc := level; lc >= 0; lc-- {
		m := h.M
		if lc == 0 {
			m = h.MaxM
		}

		candidates := h.searchLayer(vector, currNearest, h.EfConstruction, lc)
		neighbors := h.selectNeighbors(vector, candidates, m)

		node.Neighbors[lc] = neighbors
		for _, neighbor := range neighbors {
			h.addConnection(neighbor, id, lc)

			neighborNode := h.Nodes[neighbor]
			maxConn := h.M
			if lc == 0 {
				maxConn = h.MaxM
			}

			if lc < len(neighborNode.Neighbors) && len(neighborNode.Neighbors[lc]) > maxConn {
				neighborNode.Neighbors[lc] = h.selectNeighbors(
					neighborNode.Vector,
					neighborNode.Neighbors[lc],
					maxConn,
				)
			}
		}

		currNearest = neighbors
	}

	if level > h.Nodes[h.EntryPoint].Level {
		h.EntryPoint = id
	}

	return nil
}

// searchLayer performs a greedy search in a specific layer.
func (h *hnswGraph) searchLayer(query []float32, entryPoints []string, ef int, layer int) []string {
	visited := make(map[string]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{} // max heap for nearest (negated distances)

	for _, point := range entryPoints {
		node, ok := h.Nodes[point]
		if !ok {
			continue
		}
		dist := h.distFunc(query, node.Vector)

		heap.Push(candidates, &heapItem{id: point, dist: dist})
		heap.Push(dynamicList, &heapItem{id: point, dist: -dist})
		visited[point] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*dynamicList)[0].dist {
				break
			}
		}

		current := heap.Pop(candidates).(*heapItem)
		currentNode := h.Nodes[current.id]

		if layer >= len(currentNode.Neighbors) {
			continue
		}

		for _, neighbor := range currentNode.Neighbors[layer] {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true

			node, ok := h.Nodes[neighbor]
			if !ok {
				continue
			}
			dist := h.distFunc(query, node.Vector)

			if dynamicList.Len() < ef || dist < -(*dynamicList)[0].dist {
				heap.Push(candidates, &heapItem{id: neighbor, dist: dist})
				heap.Push(dynamicList, &heapItem{id: neighbor, dist: -dist})

				if dynamicList.Len() > ef {
					heap.Pop(dynamicList)
				}
			}
		}
	}

	result := make([]string, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		item := heap.Pop(dynamicList).(*heapItem)
		result = append(result, item.id)
	}

	// Reverse to get closest first.
	for i := 0; i < len(result)/2; i++ {
		result[i], result[len(result)-1-i] = result[len(result)-1-i], result[i]
	}

	return result
}

// searchLayerClosest finds the closest points in a layer.
func (h *hnswGraph) searchLayerClosest(query []float32, entryPoints []string, num int, layer int) []string {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

// selectNeighbors selects the m closest candidates.
func (h *hnswGraph) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distPair struct {
		id   string
		dist float32
	}

	pairs := make([]distPair, 0, len(candidates))
	for _, candidate := range candidates {
		node, ok := h.Nodes[candidate]
		if !ok {
			continue
		}
		pairs = append(pairs, distPair{id: candidate, dist: h.distFunc(query, node.Vector)})
	}

	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}

	if len(pairs) > m {
		pairs = pairs[:m]
	}
	result := make([]string, len(pairs))
	for i, p := range pairs {
		result[i] = p.id
	}
	return result
}

// addConnection adds a directed link between two nodes at a layer.
func (h *hnswGraph) addConnection(from, to string, layer int) {
	fromNode, exists := h.Nodes[from]
	if !exists || layer >= len(fromNode.Neighbors) {
		return
	}
	for _, neighbor := range fromNode.Neighbors[layer] {
		if neighbor == to {
			return
		}
	}
	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}

// Search performs k-NN search, skipping deleted nodes and, when allowed is
// non-nil, nodes outside the allowed id set.
func (h *hnswGraph) Search(query []float32, k, ef int, allowed map[string]struct{}) ([]string, []float32) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.EntryPoint == "" {
		return []string{}, []float32{}
	}
	if ef < k {
		ef = k * 2
	}

	entryNode := h.Nodes[h.EntryPoint]
	currNearest := []string{h.EntryPoint}

	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := h.searchLayer(query, currNearest, ef, 0)

	type result struct {
		id   string
		dist float32
	}

	results := make([]result, 0, len(candidates))
	for _, candidate := range candidates {
		node, exists := h.Nodes[candidate]
		if !exists || node.Deleted {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[candidate]; !ok {
				continue
			}
		}
		results = append(results, result{id: candidate, dist: h.distFunc(query, node.Vector)})
	}

	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[i].dist {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	limit := k
	if limit > len(results) {
		limit = len(results)
	}

	ids := make([]string, limit)
	distances := make([]float32, limit)
	for i := 0; i < limit; i++ {
		ids[i] = results[i].id
		distances[i] = results[i].dist
	}

	return ids, distances
}

// Delete marks a node as deleted (soft delete).
func (h *hnswGraph) Delete(id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, exists := h.Nodes[id]
	if !exists {
		return errors.New("node not found")
	}

	node.Deleted = true

	// If this was the entry point, find a new one.
	if h.EntryPoint == id {
		h.EntryPoint = ""
		for nodeID, n := range h.Nodes {
			if !n.Deleted {
				h.EntryPoint = nodeID
				break
			}
		}
	}

	return nil
}

// Size returns the number of live nodes.
func (h *hnswGraph) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, node := range h.Nodes {
		if !node.Deleted {
			count++
		}
	}
	return count
}

// Has reports whether a live node with the id exists.
func (h *hnswGraph) Has(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	node, ok := h.Nodes[id]
	return ok && !node.Deleted
}

// heapItem for priority queue
type heapItem struct {
	id   string
	dist float32
}

// distHeap implements heap.Interface
type distHeap []*heapItem

func (h distHeap) Len() int           { return len(h) }
func (h distHeap) Less(i, j int) bool { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *distHeap) Push(x interface{}) {
	*h = append(*h, x.(*heapItem))
}

func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}
