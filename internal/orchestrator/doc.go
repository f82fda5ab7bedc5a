// Package orchestrator управляет job workers по расписанию.
//
// Orchestrator отвечает за:
//   - Начальный Clean каждого воркера перед первым Poll
//   - Execution tick (Poll) и cleaning tick (Sweep) без наложения проходов
//   - Пересылку событий воркеров подписчикам с ID воркера
//   - Логирование событий и опциональную телеметрию
//   - Управляющие сообщения RabbitMQ: отмена job, внеочередной Poll
//
// Воркеры публикуют события через Relay в общую шину:
//
//	bus := events.NewBus()
//	w, _ := worker.New(worker.Config{ID: "models", OnEvent: orchestrator.Relay(bus, "models"), ...})
//	o, err := orchestrator.New(orchestrator.Config{
//	    Workers:           []orchestrator.JobWorker{w},
//	    ExecutionSchedule: execSchedule,
//	    CleaningSchedule:  cleanSchedule,
//	    Events:            bus,
//	})
package orchestrator
