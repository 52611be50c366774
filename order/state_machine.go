package order

import "fmt"

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机。转换表在构造时固定，之后只读。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 从PENDING可以转到
		{StatusPending, StatusAccepted},
		{StatusPending, StatusPartiallyFilled},
		{StatusPending, StatusFilled},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusRejected},
		{StatusPending, StatusExpired},

		// 从ACCEPTED可以转到
		{StatusAccepted, StatusPartiallyFilled},
		{StatusAccepted, StatusFilled},
		{StatusAccepted, StatusCancelled},
		{StatusAccepted, StatusRejected},
		{StatusAccepted, StatusExpired},

		// 从PARTIALLY_FILLED可以转到
		{StatusPartiallyFilled, StatusPartiallyFilled}, // 多次部分成交
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusCancelled},
		{StatusPartiallyFilled, StatusExpired},

		// 终态不能转换（FILLED, CANCELLED, REJECTED, EXPIRED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	// 相同状态允许（幂等性）
	if from == to {
		return nil
	}

	transition := StateTransition{From: from, To: to}
	if !sm.transitions[transition] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}

	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// IsTerminal 判断是否是终态
func (sm *StateMachine) IsTerminal(status Status) bool {
	return IsTerminal(status)
}

// IsActive 判断是否是活跃状态（可能产生成交）
func (sm *StateMachine) IsActive(status Status) bool {
	switch status {
	case StatusPending, StatusAccepted, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// CanCancel 判断当前状态下是否可以撤单
func (sm *StateMachine) CanCancel(status Status) bool {
	return sm.IsActive(status)
}

// IsTerminal 终态判断的包级入口，store 与模拟器共用。
func IsTerminal(status Status) bool {
	switch status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	default:
		return false
	}
}
