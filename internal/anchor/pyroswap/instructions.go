package pyroswap

import (
	"bytes"
	"fmt"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	Instruction_Initialize      = instructionDiscriminator("initialize")
	Instruction_OpenPosition    = instructionDiscriminator("open_position")
	Instruction_ExecutePosition = instructionDiscriminator("execute_position")
	Instruction_CancelPosition  = instructionDiscriminator("cancel_position")
)

type InitializeArgs struct {
	ProtocolFeeBps      uint16
	ReferralFeeShareBps uint16
}

type OpenPositionArgs struct {
	AmountIn     uint64
	SlBps        uint16
	TpBps        uint16
	EntryPrice   uint64
	ExecutionFee uint64
	PreferredDex DexType
	Referrer     *solana.PublicKey `bin:"optional"`
}

type ExecutePositionArgs struct {
	MinAmountOut uint64
}

type CancelPositionArgs struct{}

// Account index contracts shared by the instruction builders and the
// settlement engine's handlers.
const (
	InitializeAccount_Config         = 0
	InitializeAccount_Admin          = 1
	InitializeAccount_FeeDestination = 2
	InitializeAccountCount           = 3

	OpenAccount_Position        = 0
	OpenAccount_Vault           = 1
	OpenAccount_Owner           = 2
	OpenAccount_OwnerInputToken = 3
	OpenAccount_InputMint       = 4
	OpenAccount_OutputMint      = 5
	OpenAccount_OracleFeed      = 6
	OpenAccount_Config          = 7
	OpenAccountCount            = 8

	ExecuteAccount_Position         = 0
	ExecuteAccount_Vault            = 1
	ExecuteAccount_Owner            = 2
	ExecuteAccount_Executor         = 3
	ExecuteAccount_Config           = 4
	ExecuteAccount_OracleFeed       = 5
	ExecuteAccount_OwnerOutputToken = 6
	ExecuteAccount_FeeDestToken     = 7
	ExecuteAccount_ReferrerToken    = 8
	ExecuteFixedAccountCount        = 9

	CancelAccount_Position        = 0
	CancelAccount_Vault           = 1
	CancelAccount_Owner           = 2
	CancelAccount_OwnerInputToken = 3
	CancelAccountCount            = 4
)

func NewInitializeInstruction(
	args InitializeArgs,
	config solana.PublicKey,
	admin solana.PublicKey,
	feeDestination solana.PublicKey,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_Initialize, args)
	if err != nil {
		return nil, fmt.Errorf("encode initialize args: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(config, true, false),
		solana.NewAccountMeta(admin, true, true),
		solana.NewAccountMeta(feeDestination, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

func NewOpenPositionInstruction(
	args OpenPositionArgs,
	position solana.PublicKey,
	vault solana.PublicKey,
	owner solana.PublicKey,
	ownerInputToken solana.PublicKey,
	inputMint solana.PublicKey,
	outputMint solana.PublicKey,
	oracleFeed solana.PublicKey,
	config solana.PublicKey,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_OpenPosition, args)
	if err != nil {
		return nil, fmt.Errorf("encode open_position args: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(ownerInputToken, true, false),
		solana.NewAccountMeta(inputMint, false, false),
		solana.NewAccountMeta(outputMint, false, false),
		solana.NewAccountMeta(oracleFeed, false, false),
		solana.NewAccountMeta(config, false, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

func NewExecutePositionInstruction(
	args ExecutePositionArgs,
	position solana.PublicKey,
	vault solana.PublicKey,
	owner solana.PublicKey,
	executor solana.PublicKey,
	config solana.PublicKey,
	oracleFeed solana.PublicKey,
	ownerOutputToken solana.PublicKey,
	feeDestToken solana.PublicKey,
	referrerToken solana.PublicKey,
	routeAccounts solana.AccountMetaSlice,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_ExecutePosition, args)
	if err != nil {
		return nil, fmt.Errorf("encode execute_position args: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(owner, true, false),
		solana.NewAccountMeta(executor, true, true),
		solana.NewAccountMeta(config, false, false),
		solana.NewAccountMeta(oracleFeed, false, false),
		solana.NewAccountMeta(ownerOutputToken, true, false),
		solana.NewAccountMeta(feeDestToken, true, false),
		solana.NewAccountMeta(referrerToken, true, false),
	}
	accounts = append(accounts, routeAccounts...)
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

func NewCancelPositionInstruction(
	position solana.PublicKey,
	vault solana.PublicKey,
	owner solana.PublicKey,
	ownerInputToken solana.PublicKey,
) (solana.Instruction, error) {
	data, err := encodeInstruction(Instruction_CancelPosition, CancelPositionArgs{})
	if err != nil {
		return nil, fmt.Errorf("encode cancel_position args: %w", err)
	}
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(position, true, false),
		solana.NewAccountMeta(vault, true, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(ownerInputToken, true, false),
	}
	return solana.NewInstruction(ProgramID, accounts, data), nil
}

// DecodeArgs borsh-decodes instruction args that follow the 8-byte
// discriminator.
func DecodeArgs(data []byte, out any) error {
	if len(data) < 8 {
		return fmt.Errorf("instruction data too short (%d bytes)", len(data))
	}
	decoder := ag_binary.NewBorshDecoder(data[8:])
	return decoder.Decode(out)
}

func encodeInstruction(discriminator [8]byte, args any) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Write(discriminator[:])
	encoder := ag_binary.NewBorshEncoder(buf)
	if err := encoder.Encode(args); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
