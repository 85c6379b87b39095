// Package saga 订单生命周期的 saga 编排：正向执行、失败补偿、崩溃恢复
package saga

import (
	"encoding/json"
	"fmt"

	"github.com/orderlife/order/internal/repository"
)

// StepDef 步骤定义。补偿动作与正向动作一一对应，为空表示该步无需补偿。
type StepDef struct {
	Name             string
	Service          string
	ForwardAction    string
	CompensateAction string
}

// 动作名。服务层在 Executor 上按名注册实现。
const (
	ActionReserveInventory   = "reserve_inventory"
	ActionReleaseInventory   = "release_inventory"
	ActionConfirmOrder       = "confirm_order"
	ActionRevertConfirm      = "revert_confirm"
	ActionProcessOrder       = "process_order"
	ActionRevertProcess      = "revert_process"
	ActionShipOrder          = "ship_order"
	ActionRevertShip         = "revert_ship"
	ActionDeliverOrder       = "deliver_order"
	ActionCancelOrder        = "cancel_order"
	ActionNotifyCancellation = "notify_cancellation"
)

// 每种 saga 类型的步骤表是固定的，执行顺序即表序，补偿按表序倒序。
var stepDefs = map[string][]StepDef{
	repository.SagaTypeOrderProcessing: {
		{Name: "reserve-inventory", Service: "inventory-service", ForwardAction: ActionReserveInventory, CompensateAction: ActionReleaseInventory},
		{Name: "confirm-order", Service: "order-service", ForwardAction: ActionConfirmOrder, CompensateAction: ActionRevertConfirm},
		{Name: "process-order", Service: "order-service", ForwardAction: ActionProcessOrder, CompensateAction: ActionRevertProcess},
		{Name: "ship-order", Service: "order-service", ForwardAction: ActionShipOrder, CompensateAction: ActionRevertShip},
		{Name: "deliver-order", Service: "order-service", ForwardAction: ActionDeliverOrder, CompensateAction: ""},
	},
	repository.SagaTypeOrderCancellation: {
		{Name: "cancel-order", Service: "order-service", ForwardAction: ActionCancelOrder, CompensateAction: ""},
		{Name: "release-inventory", Service: "inventory-service", ForwardAction: ActionReleaseInventory, CompensateAction: ""},
		{Name: "notify-cancellation", Service: "notification-service", ForwardAction: ActionNotifyCancellation, CompensateAction: ""},
	},
}

// StepsFor 返回 saga 类型的步骤定义
func StepsFor(sagaType string) ([]StepDef, error) {
	defs, ok := stepDefs[sagaType]
	if !ok {
		return nil, fmt.Errorf("unknown saga type: %s", sagaType)
	}
	return defs, nil
}

// stepPayload 构造步骤负载：订单号加上请求事件携带的附加字段（如取消原因）。
// 附加字段解析失败不阻断 saga 创建，步骤至少拿到订单号。
func stepPayload(orderID int64, extra json.RawMessage) string {
	fields := map[string]interface{}{}
	if len(extra) > 0 {
		_ = json.Unmarshal(extra, &fields)
	}
	fields["orderId"] = orderID
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf(`{"orderId":%d}`, orderID)
	}
	return string(data)
}

// buildSteps 把步骤定义实例化为 PENDING 状态的步骤行
func buildSteps(sagaID, payload string, defs []StepDef) []*repository.SagaStep {
	steps := make([]*repository.SagaStep, 0, len(defs))
	for i, def := range defs {
		steps = append(steps, &repository.SagaStep{
			SagaID:           sagaID,
			StepIndex:        i,
			Name:             def.Name,
			Service:          def.Service,
			ForwardAction:    def.ForwardAction,
			CompensateAction: def.CompensateAction,
			Status:           repository.StepStatusPending,
			Payload:          payload,
		})
	}
	return steps
}
