package app

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/booktalk/opentalk/chat"
)

// NewRootCmd builds the opentalk command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "opentalk",
		Short:        "BookTalk OpenTalk chat client",
		SilenceUsage: true,
	}
	root.AddCommand(newJoinCmd(), newLoginCmd(), newHotCmd())
	return root
}

func newJoinCmd() *cobra.Command {
	var title, cover string
	cmd := &cobra.Command{
		Use:   "join <isbn>",
		Short: "Join a book's OpenTalk room and chat from the terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := New(cmd.Context(), nil)
			defer app.Close()
			return app.Chat(chat.BookRef{
				ISBN:          args[0],
				Title:         title,
				CoverImageURL: cover,
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "book title shown in the room")
	cmd.Flags().StringVar(&cover, "cover", "", "book cover image URL")
	return cmd
}

func newLoginCmd() *cobra.Command {
	var refresh string
	cmd := &cobra.Command{
		Use:   "login <access-token>",
		Short: "Store the backend-issued token pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if args[0] == "" {
				return errors.New("access token must not be empty")
			}
			app := New(cmd.Context(), nil)
			defer app.Close()
			return app.Login(args[0], refresh)
		},
	}
	cmd.Flags().StringVar(&refresh, "refresh", "", "refresh token")
	return cmd
}

func newHotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hot",
		Short: "List currently hot OpenTalk rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := New(cmd.Context(), nil)
			defer app.Close()
			books, err := app.api.HotOpenTalks(cmd.Context())
			if err != nil {
				return err
			}
			for _, b := range books {
				cmd.Printf("%d\t%s\n", b.OpenTalkID, b.BookName)
			}
			return nil
		},
	}
}
