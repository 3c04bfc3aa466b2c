package main

import (
	"fmt"

	"github.com/ariyn/cdcview/internal/dbsp/schema"
	"github.com/ariyn/cdcview/internal/dbsp/sink"
	"github.com/ariyn/cdcview/view"
)

func main() {
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║  cdcview Demo: 고객별 주문 조인 뷰                        ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	// 키 메타데이터: orders.customer_id 가 customers.id 를 참조한다.
	catalog := schema.Catalog{
		"customers": {{Column: "id", Kind: schema.PrimaryKey}},
		"orders": {
			{Column: "id", Kind: schema.PrimaryKey},
			{Column: "customer_id", Kind: schema.ForeignKey, ForeignTable: "customers", ForeignColumn: "id"},
		},
	}

	query := `
		SELECT c.name, o.total
		FROM customers c JOIN orders o ON c.id = o.customer_id
		WHERE o.total >= 100
	`

	fmt.Println("📝 Query:")
	fmt.Println("   ", query)
	fmt.Println()

	v, err := view.NewEngine(catalog, nil).Prepare(query)
	if err != nil {
		fmt.Printf("❌ 뷰 준비 에러: %v\n", err)
		return
	}

	fmt.Printf("✅ 조인 뷰 준비 완료: root=%s, foreign=%s, sink table=%s\n",
		v.Plan().Root.Table, v.Plan().Foreign.Table, v.Name())
	fmt.Println()

	scenarios := []struct {
		title string
		dml   string
	}{
		{
			title: "시나리오 1: 고객 등록 (주문이 없으면 뷰는 비어 있다)",
			dml: `
				INSERT INTO customers (id, name) VALUES (1, 'kim');
				INSERT INTO customers (id, name) VALUES (2, 'lee')
			`,
		},
		{
			title: "시나리오 2: 주문 도착 (필터를 통과한 주문만 조인된다)",
			dml: `
				INSERT INTO orders (id, customer_id, total) VALUES (10, 1, 150);
				INSERT INTO orders (id, customer_id, total) VALUES (11, 2, 80);
				INSERT INTO orders (id, customer_id, total) VALUES (12, 3, 500)
			`,
		},
		{
			title: "시나리오 3: 늦게 도착한 고객 (기존 주문과 조인된다)",
			dml:   `INSERT INTO customers (id, name) VALUES (3, 'park')`,
		},
		{
			title: "시나리오 4: 주문 금액 변경 (필터 경계를 넘나든다)",
			dml: `
				UPDATE orders SET customer_id = 2, total = 120 WHERE id = 11;
				UPDATE orders SET customer_id = 1, total = 90 WHERE id = 10
			`,
		},
		{
			title: "시나리오 5: 고객 이름 변경 (조인된 행이 다시 쓰인다)",
			dml:   `UPDATE customers SET name = 'choi' WHERE id = 2`,
		},
		{
			title: "시나리오 6: 고객 삭제 (조인 상대가 사라진다)",
			dml:   `DELETE FROM customers WHERE id = 3`,
		},
	}

	for _, s := range scenarios {
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println("📊 " + s.title)
		fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		fmt.Println("\n입력 SQL:")
		fmt.Println(s.dml)

		stmts, err := v.ApplyDML(s.dml)
		if err != nil {
			fmt.Printf("❌ 실행 에러: %v\n", err)
			return
		}
		printStatements(stmts)
		fmt.Printf("   (frontier=%d)\n\n", v.Frontier())
	}

	fmt.Println("🎉 Demo 완료!")
}

func printStatements(stmts []sink.Statement) {
	if len(stmts) == 0 {
		fmt.Println("\n📈 싱크 출력: (변경 없음)")
		return
	}
	fmt.Println("\n📈 싱크 출력:")
	for _, s := range stmts {
		switch s.Kind {
		case sink.KindCreateTable:
			fmt.Printf("   🧱 %s\n", s.SQL())
		case sink.KindInsert:
			fmt.Printf("   ➕ %s\n", s.SQL())
		case sink.KindDelete:
			fmt.Printf("   ➖ %s\n", s.SQL())
		}
	}
}
