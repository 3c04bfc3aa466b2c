// Package view 는 CDC 파이프라인 없이 조인 뷰를 프로세스 안에서 유지하는 퍼사드다.
package view

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ariyn/cdcview/internal/dbsp/engine"
	"github.com/ariyn/cdcview/internal/dbsp/ir"
	"github.com/ariyn/cdcview/internal/dbsp/normalize"
	"github.com/ariyn/cdcview/internal/dbsp/schema"
	"github.com/ariyn/cdcview/internal/dbsp/sink"
	sqlconv "github.com/ariyn/cdcview/internal/dbsp/sql"
	"github.com/ariyn/cdcview/internal/dbsp/types"
)

// Engine 은 키 카탈로그를 기준으로 뷰를 준비한다.
type Engine struct {
	catalog schema.Catalog
	logger  log.Logger
}

// NewEngine 은 새로운 엔진 인스턴스를 생성한다.
func NewEngine(cat schema.Catalog, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Engine{catalog: cat, logger: logger}
}

// Prepare 는 두 테이블 조인 SELECT 쿼리로 뷰를 만든다.
// 싱크 테이블 이름은 "<root>_<foreign>" 이다.
func (e *Engine) Prepare(query string) (*View, error) {
	return e.PrepareNamed("", query)
}

// PrepareNamed 는 싱크 테이블 이름을 지정해 뷰를 만든다.
func (e *Engine) PrepareNamed(name, query string) (*View, error) {
	q, err := sqlconv.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	plan, err := ir.ResolveJoin(q, e.catalog)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = plan.Root.Table + "_" + plan.Foreign.Table
	}

	logger := log.With(e.logger, "view", name)
	for _, w := range plan.Warnings {
		level.Warn(logger).Log("msg", "join plan warning", "warning", w)
	}

	out := &collector{}
	return &View{
		name:       name,
		plan:       plan,
		engine:     engine.New(plan, logger, nil),
		normalizer: normalize.New(logger, nil),
		writer:     sink.NewWriter(sink.Config{Table: name, KeyColumns: plan.KeyColumns()}, out, logger, nil),
		out:        out,
		next:       1,
	}, nil
}

// View 는 하나의 조인 쿼리에 대응하는 증분 뷰 핸들이다.
// 동시 사용에 안전하지 않다.
type View struct {
	name       string
	plan       *ir.JoinPlan
	engine     *engine.Engine
	normalizer *normalize.Normalizer
	writer     *sink.Writer
	out        *collector

	// next 는 XID 가 없는 변경에 붙일 다음 트랜잭션 번호다.
	next uint64
}

func (v *View) Name() string { return v.name }

func (v *View) Plan() *ir.JoinPlan { return v.plan }

// Frontier 는 처리가 끝난 논리 시간이다.
func (v *View) Frontier() uint64 { return v.engine.Frontier() }

// Apply 는 변경을 조인에 적용하고 싱크에 보낼 SQL 문을 반환한다.
// 변경들의 XID 는 이미 처리한 시간보다 작을 수 없다. 이 경우 아무것도
// 적용하지 않고 ClockRegression 을 반환한다. 조인에 속하지 않는 테이블의
// 변경은 무시한다. 형식이 잘못된 변경은 건너뛰고 나머지를 처리한 뒤,
// 생성된 SQL 문과 함께 MalformedEvent 오류들을 묶어 반환한다.
func (v *View) Apply(changes []types.RawChange) ([]sink.Statement, error) {
	frontier := v.engine.Frontier()
	tracked := make([]types.RawChange, 0, len(changes))
	var maxXID uint64
	for _, raw := range changes {
		side, ok := v.plan.Side(raw.Table)
		if !ok {
			continue
		}
		if raw.XID == 0 {
			raw.XID = v.next
		}
		if raw.XID < frontier {
			return nil, types.NewClockRegression(raw.Table, raw.XID, frontier)
		}
		if len(raw.PrimaryKey) == 0 {
			raw.PrimaryKey = side.KeyColumns
		}
		tracked = append(tracked, raw)
		if raw.XID > maxXID {
			maxXID = raw.XID
		}
	}
	if maxXID == 0 {
		return nil, nil
	}

	var faults []error
	for _, raw := range tracked {
		deltas, err := v.normalizer.Apply(raw, v.plan.ForeignKeyColumn(raw.Table))
		if err != nil {
			faults = append(faults, err)
			continue
		}
		for _, d := range deltas {
			item := types.BufferedItem{Table: raw.Table, Element: d.Element, Time: d.Time, Count: d.Count}
			if err := v.engine.Feed(item); err != nil {
				return nil, err
			}
		}
	}
	if maxXID >= v.next {
		v.next = maxXID + 1
	}

	v.writer.Write(v.engine.AdvanceTo(maxXID + 1))
	if err := v.writer.Flush(context.Background()); err != nil {
		return nil, err
	}
	return v.out.take(), errors.Join(faults...)
}

// ApplyDML 은 세미콜론으로 구분된 INSERT/UPDATE/DELETE 문을 순서대로 적용한다.
// 문장마다 하나의 트랜잭션이 된다.
func (v *View) ApplyDML(dml string) ([]sink.Statement, error) {
	changes, err := sqlconv.ParseMultiDML(dml, v.next)
	if err != nil {
		return nil, fmt.Errorf("parse dml: %w", err)
	}
	return v.Apply(changes)
}

// collector 는 실행 대신 SQL 문을 모아 두는 Executor 다.
type collector struct {
	stmts []sink.Statement
}

func (c *collector) Exec(_ context.Context, stmts []sink.Statement) error {
	c.stmts = append(c.stmts, stmts...)
	return nil
}

func (c *collector) take() []sink.Statement {
	out := c.stmts
	c.stmts = nil
	return out
}
