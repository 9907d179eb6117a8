package relay

import (
	"context"
	"errors"
)

// GetOrCreateMachine creates the machine record for a client-supplied
// machine id. A create emits a new-machine update.
func (self *Records) GetOrCreateMachine(ctx context.Context, accountId string, machineId string, metadata []byte, daemonState []byte) (*MachineRecord, bool, error) {
	record := &MachineRecord{
		AccountId:   accountId,
		Id:          machineId,
		Metadata:    metadata,
		DaemonState: daemonState,
	}
	err := self.store.CreateMachine(ctx, record)
	if errors.Is(err, ErrAlreadyExists) {
		existing, err := self.store.GetMachine(ctx, accountId, machineId)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	err = self.router.EmitUpdate(ctx, &UpdateEvent{
		AccountId:       accountId,
		Payload:         NewNewMachineUpdate(record),
		RecipientFilter: UserScopedOnly(),
	})
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

func (self *Records) GetMachine(ctx context.Context, accountId string, machineId string) (*MachineRecord, error) {
	return self.store.GetMachine(ctx, accountId, machineId)
}

func (self *Records) UpdateMachineMetadata(ctx context.Context, accountId string, machineId string, expectedVersion int64, value []byte) (*CasOutcome, error) {
	outcome, err := casApply(
		ctx,
		expectedVersion,
		func(ctx context.Context) ([]byte, int64, error) {
			record, err := self.store.GetMachine(ctx, accountId, machineId)
			if err != nil {
				return nil, 0, err
			}
			return record.Metadata, record.MetadataVersion, nil
		},
		func(ctx context.Context) (bool, error) {
			return self.store.CompareAndSetMachineMetadata(ctx, accountId, machineId, expectedVersion, value)
		},
	)
	if err != nil {
		return nil, err
	}

	if outcome.Applied {
		err = self.router.EmitUpdate(ctx, &UpdateEvent{
			AccountId: accountId,
			Payload: NewUpdateMachineUpdate(
				machineId,
				&VersionedField{
					Value:   encodeValue(value),
					Version: outcome.Version,
				},
				nil,
			),
			RecipientFilter: MachineScoped(machineId),
		})
		if err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func (self *Records) UpdateMachineDaemonState(ctx context.Context, accountId string, machineId string, expectedVersion int64, value []byte) (*CasOutcome, error) {
	outcome, err := casApply(
		ctx,
		expectedVersion,
		func(ctx context.Context) ([]byte, int64, error) {
			record, err := self.store.GetMachine(ctx, accountId, machineId)
			if err != nil {
				return nil, 0, err
			}
			return record.DaemonState, record.DaemonStateVersion, nil
		},
		func(ctx context.Context) (bool, error) {
			return self.store.CompareAndSetMachineDaemonState(ctx, accountId, machineId, expectedVersion, value)
		},
	)
	if err != nil {
		return nil, err
	}

	if outcome.Applied {
		err = self.router.EmitUpdate(ctx, &UpdateEvent{
			AccountId: accountId,
			Payload: NewUpdateMachineUpdate(
				machineId,
				nil,
				&VersionedField{
					Value:   encodeValue(value),
					Version: outcome.Version,
				},
			),
			RecipientFilter: MachineScoped(machineId),
		})
		if err != nil {
			return nil, err
		}
	}
	return outcome, nil
}
