package heap

import (
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/arsenal/memutils"
)

// lowGranularityLimit is the largest buffer/image granularity that is handled by padding image
// allocations rather than by tracking which kind of resource occupies each page
const lowGranularityLimit uint = 256

type pageInfo struct {
	kind  suballocationType
	count uint16
}

// pageGranularity keeps linear and optimal resources that share a block from sharing a
// bufferImageGranularity page. Low granularities are handled by padding requests, higher ones by
// tracking which kind of resource occupies each page.
type pageGranularity struct {
	granularity uint
	pages       []pageInfo
}

func newPageGranularity(granularity uint, blockSize int) *pageGranularity {
	g := &pageGranularity{granularity: granularity}
	if g.tracksPages() {
		pageCount := (blockSize + int(granularity) - 1) / int(granularity)
		g.pages = make([]pageInfo, pageCount)
	}
	return g
}

func (g *pageGranularity) tracksPages() bool {
	return g.granularity > lowGranularityLimit
}

func (g *pageGranularity) pageIndex(offset int) int {
	pageStart := offset & int(^(g.granularity - 1))
	return pageStart >> (63 - bits.LeadingZeros64(uint64(g.granularity)))
}

func (g *pageGranularity) pageSpan(offset, size int) (first, last int) {
	return g.pageIndex(offset), g.pageIndex(offset + size - 1)
}

func (g *pageGranularity) AllocationsConflict(first, second suballocationType) bool {
	lower, upper := first, second
	if lower > upper {
		lower, upper = upper, lower
	}

	switch lower {
	case suballocationUnknown:
		return true
	case suballocationBuffer:
		return upper == suballocationImageUnknown || upper == suballocationImageOptimal
	case suballocationImageUnknown:
		return upper == suballocationImageUnknown || upper == suballocationImageLinear || upper == suballocationImageOptimal
	case suballocationImageLinear:
		return upper == suballocationImageOptimal
	}

	return false
}

func (g *pageGranularity) RoundUpAllocRequest(kind suballocationType, allocSize int, allocAlignment uint) (int, uint) {
	if g.granularity <= 1 || g.tracksPages() {
		return allocSize, allocAlignment
	}

	switch kind {
	case suballocationUnknown, suballocationImageUnknown, suballocationImageOptimal:
		if allocAlignment < g.granularity {
			allocAlignment = g.granularity
		}
		allocSize = memutils.AlignUp(allocSize, g.granularity)
	}

	return allocSize, allocAlignment
}

// Conflicts reports whether placing an allocation of the provided kind at offset would share its
// first or last page with an allocation it conflicts with
func (g *pageGranularity) Conflicts(kind suballocationType, offset, size int) bool {
	if !g.tracksPages() {
		return false
	}

	first, last := g.pageSpan(offset, size)
	for _, index := range []int{first, last} {
		page := g.pages[index]
		if page.count > 0 && g.AllocationsConflict(page.kind, kind) {
			return true
		}
	}

	return false
}

func (g *pageGranularity) AllocPages(kind suballocationType, offset, size int) {
	if !g.tracksPages() {
		return
	}

	first, last := g.pageSpan(offset, size)
	g.claimPage(first, kind)
	if last != first {
		g.claimPage(last, kind)
	}
}

func (g *pageGranularity) claimPage(index int, kind suballocationType) {
	page := &g.pages[index]
	if page.count == 0 || page.kind == suballocationFree {
		page.kind = kind
	}
	page.count++
}

func (g *pageGranularity) FreePages(offset, size int) {
	if !g.tracksPages() {
		return
	}

	first, last := g.pageSpan(offset, size)
	g.releasePage(first)
	if last != first {
		g.releasePage(last)
	}
}

func (g *pageGranularity) releasePage(index int) {
	page := &g.pages[index]
	page.count--
	if page.count == 0 {
		page.kind = suballocationFree
	}
}

func (g *pageGranularity) Clear() {
	for i := range g.pages {
		g.pages[i] = pageInfo{}
	}
}

type granularityValidation struct {
	counts []uint16
}

func (g *pageGranularity) StartValidation() any {
	return &granularityValidation{counts: make([]uint16, len(g.pages))}
}

func (g *pageGranularity) Validate(ctx any, offset, size int) error {
	if !g.tracksPages() {
		return nil
	}

	validation := ctx.(*granularityValidation)
	first, last := g.pageSpan(offset, size)
	for _, page := range []int{first, last} {
		validation.counts[page]++
		if g.pages[page].count < 1 {
			return errors.Newf("page %d holds an allocation but has no allocation count", page)
		}
		if first == last {
			break
		}
	}

	return nil
}

func (g *pageGranularity) FinishValidation(ctx any) error {
	if !g.tracksPages() {
		return nil
	}

	validation := ctx.(*granularityValidation)
	for index, page := range g.pages {
		if validation.counts[index] != page.count {
			return errors.Newf("allocation count mismatch on page %d: counted %d, recorded %d", index, validation.counts[index], page.count)
		}
	}

	return nil
}
