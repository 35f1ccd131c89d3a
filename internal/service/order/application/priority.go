// internal/service/order/application/priority.go
package application

import (
	"context"
	"fmt"

	"checkout/internal/pkg/logger"
	"checkout/internal/service/order/domain"

	"github.com/google/cel-go/cel"
)

// PriorityPolicy 用 CEL 表达式为入队订单计算优先级。
// 可用变量：actor(string) items(int) quantity(int) amount(double) priority(int，基础优先级)。
// 例如：amount > 500.0 ? priority + 5 : priority
type PriorityPolicy struct {
	expression string
	program    cel.Program
}

// NewPriorityPolicy 编译表达式；表达式为空时返回 nil，表示直接使用基础优先级。
func NewPriorityPolicy(expression string) (*PriorityPolicy, error) {
	if expression == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.StringType),
		cel.Variable("items", cel.IntType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("priority", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}
	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile priority expression: %w", iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build priority program: %w", err)
	}
	return &PriorityPolicy{expression: expression, program: prg}, nil
}

func (p *PriorityPolicy) Expression() string {
	if p == nil {
		return ""
	}
	return p.expression
}

// Evaluate 计算订单优先级。求值失败或结果不是整数时记录日志并退回基础优先级。
func (p *PriorityPolicy) Evaluate(ctx context.Context, order *domain.Order, base int) int {
	if p == nil {
		return base
	}
	amount, _ := order.Total().Float64()
	out, _, err := p.program.Eval(map[string]any{
		"actor":    order.ActorID,
		"items":    int64(len(order.Items)),
		"quantity": int64(order.TotalQuantity()),
		"amount":   amount,
		"priority": int64(base),
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("Priority expression failed, using base priority")
		return base
	}
	v, ok := out.Value().(int64)
	if !ok {
		logger.Ctx(ctx).Warn().Str("order_id", order.ID).Str("type", fmt.Sprintf("%T", out.Value())).
			Msg("Priority expression did not return int, using base priority")
		return base
	}
	return int(v)
}
