package resolver

import "sync"

// generations 追蹤進行中的儲存讀取
//
// 讀取開始時記下短碼的世代，失效時世代加一。讀取結束時世代已變，
// 代表讀到的是變更前的資料，不能留在快取裡。只在有讀取進行中時保留項目。
type generations struct {
	mu sync.Mutex
	m  map[string]*generation
}

type generation struct {
	n       uint64
	readers int
}

func newGenerations() *generations {
	return &generations{m: make(map[string]*generation)}
}

// begin 登記一次讀取，回傳目前世代
func (g *generations) begin(code string) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen, ok := g.m[code]
	if !ok {
		gen = &generation{}
		g.m[code] = gen
	}
	gen.readers++
	return gen.n
}

// current 世代是否還沒被失效推進
func (g *generations) current(code string, n uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen, ok := g.m[code]
	return ok && gen.n == n
}

// end 結束讀取，回傳期間是否沒有失效
func (g *generations) end(code string, n uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	gen, ok := g.m[code]
	if !ok {
		return false
	}
	unchanged := gen.n == n
	gen.readers--
	if gen.readers <= 0 {
		delete(g.m, code)
	}
	return unchanged
}

// bump 推進世代；沒有讀取進行中就不需要記錄
func (g *generations) bump(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if gen, ok := g.m[code]; ok {
		gen.n++
	}
}

// inflight 進行中的讀取數
func (g *generations) inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
